package credential

import (
	"context"
	"sync"
)

// Persisted key names.
const (
	KeyToken = "token"
	KeyUser  = "user"
)

// Record is the raw durable representation of the credential pair.
// User holds the JSON-encoded Identity.
type Record struct {
	Token string
	User  []byte
}

// Backend is durable key-value storage for the credential pair.
// Write and Remove must apply to both keys in a single operation.
// An empty field in a written Record removes that key.
type Backend interface {
	Read(ctx context.Context) (Record, error)
	Write(ctx context.Context, rec Record) error
	Remove(ctx context.Context) error
	Close() error
}

// MemoryBackend keeps the pair in process memory.
type MemoryBackend struct {
	mu  sync.Mutex
	rec Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Read(_ context.Context) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Record{Token: b.rec.Token, User: append([]byte(nil), b.rec.User...)}, nil
}

func (b *MemoryBackend) Write(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec = Record{Token: rec.Token, User: append([]byte(nil), rec.User...)}
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec = Record{}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
