package federated

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	kratos "github.com/ory/kratos-client-go"
)

// Session is a federated session held independently of the backend pair.
// It authorizes storage operations and nothing else.
type Session struct {
	Provider    string
	AccessToken string
	Subject     string
	Email       string
	ExpiresAt   time.Time
}

// Valid reports whether the session has a token and has not expired.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// SessionSource reports the currently established federated session.
// Current returns ErrNoFederatedSession when there is none.
type SessionSource interface {
	Name() string
	Current(ctx context.Context) (*Session, error)
}

// TokenHolder keeps the federated session obtained by the last successful
// code exchange. It lives only in memory.
type TokenHolder struct {
	mu      sync.RWMutex
	session *Session
	now     func() time.Time
}

// NewTokenHolder creates an empty holder.
func NewTokenHolder() *TokenHolder {
	return &TokenHolder{now: time.Now}
}

func (h *TokenHolder) Name() string { return "exchange" }

// Set records the session obtained from provider.
func (h *TokenHolder) Set(provider string, tok *ProviderToken) {
	if tok == nil {
		return
	}
	s := &Session{
		Provider:    provider,
		AccessToken: tok.AccessToken,
		Subject:     tok.Subject,
		Email:       tok.Email,
		ExpiresAt:   tok.Expiry,
	}
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
}

// Clear forgets the held session.
func (h *TokenHolder) Clear() {
	h.mu.Lock()
	h.session = nil
	h.mu.Unlock()
}

func (h *TokenHolder) Current(_ context.Context) (*Session, error) {
	h.mu.RLock()
	s := h.session
	h.mu.RUnlock()
	if !s.Valid(h.now()) {
		return nil, ErrNoFederatedSession
	}
	cp := *s
	return &cp, nil
}

// KratosSource reads a session established through Ory Kratos.
type KratosSource struct {
	client       *kratos.APIClient
	sessionToken func() string
}

// NewKratosSource creates a source for the Kratos public API at publicURL.
// sessionToken supplies the X-Session-Token to query with.
func NewKratosSource(publicURL string, httpClient *http.Client, sessionToken func() string) *KratosSource {
	configuration := kratos.NewConfiguration()
	configuration.Servers = []kratos.ServerConfiguration{
		{URL: publicURL},
	}
	if httpClient != nil {
		configuration.HTTPClient = httpClient
	}
	return &KratosSource{
		client:       kratos.NewAPIClient(configuration),
		sessionToken: sessionToken,
	}
}

func (k *KratosSource) Name() string { return "kratos" }

func (k *KratosSource) Current(ctx context.Context) (*Session, error) {
	token := ""
	if k.sessionToken != nil {
		token = k.sessionToken()
	}
	if token == "" {
		return nil, ErrNoFederatedSession
	}

	session, resp, err := k.client.FrontendAPI.ToSession(ctx).XSessionToken(token).Execute()
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, ErrNoFederatedSession
			}
			return nil, fmt.Errorf("kratos returned status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("query kratos session: %w", err)
	}
	if session.Active != nil && !*session.Active {
		return nil, ErrNoFederatedSession
	}
	if session.Identity == nil {
		return nil, fmt.Errorf("%w: kratos session has no identity", ErrNoFederatedSession)
	}

	s := &Session{
		Provider:    k.Name(),
		AccessToken: token,
		Subject:     session.Identity.Id,
	}
	if traits, ok := session.Identity.Traits.(map[string]interface{}); ok {
		if email, ok := traits["email"].(string); ok {
			s.Email = email
		}
	}
	if session.ExpiresAt != nil {
		s.ExpiresAt = *session.ExpiresAt
	}
	return s, nil
}
