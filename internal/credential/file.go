package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend stores the pair as one JSON document. Writes go through a
// temp file and rename so both keys change together.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

type fileDocument struct {
	Token string          `json:"token,omitempty"`
	User  json.RawMessage `json:"user,omitempty"`
}

// NewFileBackend creates a backend persisting to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Read(_ context.Context) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", b.path, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt document is treated as absent; the next write replaces it.
		return Record{}, nil
	}
	return Record{Token: doc.Token, User: []byte(doc.User)}, nil
}

func (b *FileBackend) Write(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc := fileDocument{Token: rec.Token}
	if len(rec.User) > 0 {
		doc.User = json.RawMessage(rec.User)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}

func (b *FileBackend) Remove(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", b.path, err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
