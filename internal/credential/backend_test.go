package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()

	sqliteBackend, err := OpenSQLiteBackend(context.Background(), filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   NewFileBackend(filepath.Join(t.TempDir(), "nested", "credentials.json")),
		"sqlite": sqliteBackend,
		"redis":  NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test"),
	}
	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

func TestBackendContract(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := backend.Read(ctx)
			require.NoError(t, err)
			assert.Empty(t, rec.Token)
			assert.Empty(t, rec.User)

			user := []byte(`{"id":"u1","email":"ada@example.com"}`)
			require.NoError(t, backend.Write(ctx, Record{Token: "tok-1", User: user}))
			rec, err = backend.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, "tok-1", rec.Token)
			assert.JSONEq(t, string(user), string(rec.User))

			// Overwrite replaces both keys.
			user2 := []byte(`{"id":"u2","email":"grace@example.com"}`)
			require.NoError(t, backend.Write(ctx, Record{Token: "tok-2", User: user2}))
			rec, err = backend.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, "tok-2", rec.Token)
			assert.JSONEq(t, string(user2), string(rec.User))

			// Empty field removes that key.
			require.NoError(t, backend.Write(ctx, Record{Token: "tok-3"}))
			rec, err = backend.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, "tok-3", rec.Token)
			assert.Empty(t, rec.User)

			require.NoError(t, backend.Remove(ctx))
			rec, err = backend.Read(ctx)
			require.NoError(t, err)
			assert.Empty(t, rec.Token)
			assert.Empty(t, rec.User)

			// Remove on empty storage is not an error.
			require.NoError(t, backend.Remove(ctx))
		})
	}
}

func TestStoreOverEveryBackend(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewStore(backend, nil)
			require.NoError(t, store.Persist(ctx, testIdentity(), BackendToken("tok")))

			reloaded := NewStore(backend, nil)
			ok, err := reloaded.Load(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "u1", reloaded.Identity().ID)

			require.NoError(t, reloaded.Clear(ctx))
			ok, err = NewStore(backend, nil).Load(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileBackendPermissionsAndCorruption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")
	backend := NewFileBackend(path)

	require.NoError(t, backend.Write(ctx, Record{Token: "tok", User: []byte(`{"id":"u1"}`)}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	rec, err := backend.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.Token)
	assert.Empty(t, rec.User)
}
