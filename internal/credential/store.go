// Package credential holds the current Identity and bearer Token and owns
// their durable storage. Identity and Token are always written and cleared
// together; a reader observes either the old pair or the new pair.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrIncompletePair is returned when Persist receives only half of a pair.
	ErrIncompletePair = errors.New("identity and token must be persisted together")
	// ErrNotAuthenticated is returned when an operation needs an existing session.
	ErrNotAuthenticated = errors.New("no authenticated session")
)

// Store is the single source of truth for Identity + Token.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.RWMutex
	identity *Identity
	token    Token

	// notifyMu orders observer callbacks in mutation order.
	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObsID int
}

// NewStore creates a store over the given backend. The store starts empty;
// call Load to rehydrate persisted state.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		logger:    logger,
		observers: make(map[int]func(Snapshot)),
	}
}

// Load reads the persisted pair. It returns true when both halves were
// present and valid, leaving the store provisionally authenticated.
// A half-present, undecodable or anonymous pair is removed and treated as
// logged out.
func (s *Store) Load(ctx context.Context) (bool, error) {
	rec, err := s.backend.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("read credentials: %w", err)
	}

	hasToken := rec.Token != ""
	hasUser := len(rec.User) > 0

	var identity *Identity
	switch {
	case !hasToken && !hasUser:
	case hasToken != hasUser:
		s.logger.Warn("Discarding incomplete persisted credential pair",
			"has_token", hasToken, "has_user", hasUser)
		s.removeInvalid(ctx)
	default:
		var decoded Identity
		if err := json.Unmarshal(rec.User, &decoded); err != nil {
			s.logger.Warn("Discarding undecodable persisted identity", "error", err)
			s.removeInvalid(ctx)
		} else if decoded.ID == "" && decoded.Email == "" {
			// JSON null or {} decodes cleanly but names nobody.
			s.logger.Warn("Discarding persisted identity without id or email")
			s.removeInvalid(ctx)
		} else {
			identity = &decoded
		}
	}

	s.mu.Lock()
	s.identity = identity
	if identity != nil {
		s.token = BackendToken(rec.Token)
	} else {
		s.token = Token{}
	}
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	s.notify(snap)
	s.notifyMu.Unlock()

	return identity != nil, nil
}

func (s *Store) removeInvalid(ctx context.Context) {
	if err := s.backend.Remove(ctx); err != nil {
		s.logger.Warn("Failed to remove invalid credentials", "error", err)
	}
}

// Persist atomically replaces the pair in durable storage and live state.
func (s *Store) Persist(ctx context.Context, identity *Identity, token Token) error {
	if identity == nil || token.IsZero() {
		return ErrIncompletePair
	}
	s.mu.Lock()
	return s.persistLocked(ctx, identity, token)
}

// UpdateIdentity re-persists a new Identity alongside the current Token.
func (s *Store) UpdateIdentity(ctx context.Context, identity *Identity) error {
	if identity == nil {
		return ErrIncompletePair
	}
	s.mu.Lock()
	if s.token.IsZero() {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	return s.persistLocked(ctx, identity, s.token)
}

// UpdateIdentityIfToken replaces the Identity only while the live token
// still equals value. It reports whether the update happened.
func (s *Store) UpdateIdentityIfToken(ctx context.Context, value string, identity *Identity) (bool, error) {
	if identity == nil {
		return false, ErrIncompletePair
	}
	s.mu.Lock()
	if value == "" || s.token.Value != value {
		s.mu.Unlock()
		return false, nil
	}
	return true, s.persistLocked(ctx, identity, s.token)
}

// persistLocked must be called with mu held; it releases mu.
func (s *Store) persistLocked(ctx context.Context, identity *Identity, token Token) error {
	if token.Origin == "" {
		token.Origin = OriginBackend
	}
	user, err := json.Marshal(identity)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.backend.Write(ctx, Record{Token: token.Value, User: user}); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write credentials: %w", err)
	}
	s.identity = identity.Clone()
	s.token = token
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	s.notify(snap)
	s.notifyMu.Unlock()
	return nil
}

// Clear atomically removes the pair from durable storage and live state.
// Live state is emptied even when the backend fails.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	return s.clearLocked(ctx)
}

// ClearIfToken clears only while the live token still equals value.
// It reports whether a clear happened. Used for implicit teardown so a
// stale authorization failure never removes a newer session.
func (s *Store) ClearIfToken(ctx context.Context, value string) (bool, error) {
	s.mu.Lock()
	if value == "" || s.token.Value != value {
		s.mu.Unlock()
		return false, nil
	}
	return true, s.clearLocked(ctx)
}

// clearLocked must be called with mu held; it releases mu.
func (s *Store) clearLocked(ctx context.Context) error {
	err := s.backend.Remove(ctx)
	s.identity = nil
	s.token = Token{}
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	s.notify(snap)
	s.notifyMu.Unlock()
	if err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// Snapshot returns the current pair.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{Identity: s.identity.Clone(), Token: s.token}
}

// Identity returns a copy of the current Identity, or nil.
func (s *Store) Identity() *Identity {
	return s.Snapshot().Identity
}

// Token returns the current Token (zero when logged out).
func (s *Store) Token() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticated reports whether a complete pair is held.
func (s *Store) Authenticated() bool {
	return s.Snapshot().Authenticated()
}

// Subscribe registers fn to be called synchronously after every mutation.
// fn must not mutate the store. The returned func unregisters it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(snap Snapshot) {
	s.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
