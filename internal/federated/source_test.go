package federated

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kratosServer(t *testing.T, status int, body map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/whoami", r.URL.Path)
		assert.Equal(t, "ory_st_valid", r.Header.Get("X-Session-Token"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func kratosSession(active bool, expires time.Time) map[string]any {
	return map[string]any{
		"id":         "sess-1",
		"active":     active,
		"expires_at": expires.Format(time.RFC3339),
		"identity": map[string]any{
			"id":         "ident-1",
			"schema_id":  "default",
			"schema_url": "http://kratos.test/schemas/default",
			"traits":     map[string]any{"email": "ada@example.com"},
		},
	}
}

func token(v string) func() string { return func() string { return v } }

func TestKratosSourceCurrent(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	srv := kratosServer(t, http.StatusOK, kratosSession(true, expires))
	src := NewKratosSource(srv.URL, srv.Client(), token("ory_st_valid"))

	sess, err := src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kratos", sess.Provider)
	assert.Equal(t, "ory_st_valid", sess.AccessToken)
	assert.Equal(t, "ident-1", sess.Subject)
	assert.Equal(t, "ada@example.com", sess.Email)
	assert.True(t, expires.Equal(sess.ExpiresAt))
}

func TestKratosSourceInactive(t *testing.T) {
	srv := kratosServer(t, http.StatusOK, kratosSession(false, time.Now().Add(time.Hour)))
	src := NewKratosSource(srv.URL, srv.Client(), token("ory_st_valid"))

	_, err := src.Current(context.Background())
	assert.True(t, errors.Is(err, ErrNoFederatedSession))
}

func TestKratosSourceUnauthorized(t *testing.T) {
	srv := kratosServer(t, http.StatusUnauthorized, map[string]any{
		"error": map[string]any{"code": 401, "status": "Unauthorized", "message": "No valid session"},
	})
	src := NewKratosSource(srv.URL, srv.Client(), token("ory_st_valid"))

	_, err := src.Current(context.Background())
	assert.True(t, errors.Is(err, ErrNoFederatedSession))
}

func TestKratosSourceUnavailable(t *testing.T) {
	srv := kratosServer(t, http.StatusBadGateway, map[string]any{})
	src := NewKratosSource(srv.URL, srv.Client(), token("ory_st_valid"))

	_, err := src.Current(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoFederatedSession))
}

func TestKratosSourceWithoutToken(t *testing.T) {
	src := NewKratosSource("http://unused", nil, token(""))
	_, err := src.Current(context.Background())
	assert.True(t, errors.Is(err, ErrNoFederatedSession))
}

func TestTokenHolder(t *testing.T) {
	h := NewTokenHolder()
	_, err := h.Current(context.Background())
	assert.True(t, errors.Is(err, ErrNoFederatedSession))

	h.Set("github", &ProviderToken{AccessToken: "at", Email: "ada@example.com"})
	sess, err := h.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "github", sess.Provider)

	// Expired sessions are not reported.
	now := time.Now()
	h.now = func() time.Time { return now.Add(2 * time.Hour) }
	h.Set("google", &ProviderToken{AccessToken: "at2", Expiry: now.Add(time.Hour)})
	_, err = h.Current(context.Background())
	assert.True(t, errors.Is(err, ErrNoFederatedSession))

	h.now = time.Now
	h.Clear()
	_, err = h.Current(context.Background())
	assert.True(t, errors.Is(err, ErrNoFederatedSession))
}
