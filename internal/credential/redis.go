package credential

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores the pair under "<prefix>:token" and "<prefix>:user".
// Both keys change inside one MULTI/EXEC block.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a backend over an existing client.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "authsession"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(name string) string {
	return b.prefix + ":" + name
}

func (b *RedisBackend) Read(ctx context.Context) (Record, error) {
	vals, err := b.client.MGet(ctx, b.key(KeyToken), b.key(KeyUser)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis mget: %w", err)
	}
	var rec Record
	if s, ok := vals[0].(string); ok {
		rec.Token = s
	}
	if s, ok := vals[1].(string); ok && s != "" {
		rec.User = []byte(s)
	}
	return rec, nil
}

func (b *RedisBackend) Write(ctx context.Context, rec Record) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if rec.Token == "" {
			pipe.Del(ctx, b.key(KeyToken))
		} else {
			pipe.Set(ctx, b.key(KeyToken), rec.Token, 0)
		}
		if len(rec.User) == 0 {
			pipe.Del(ctx, b.key(KeyUser))
		} else {
			pipe.Set(ctx, b.key(KeyUser), rec.User, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write credentials: %w", err)
	}
	return nil
}

func (b *RedisBackend) Remove(ctx context.Context) error {
	if err := b.client.Del(ctx, b.key(KeyToken), b.key(KeyUser)).Err(); err != nil {
		return fmt.Errorf("redis delete credentials: %w", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
