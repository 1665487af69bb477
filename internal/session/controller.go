// Package session is the primary session controller: password login,
// registration, identity refresh, profile updates and logout. It decides
// whether an attempt finalizes immediately or branches to a step-up challenge.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/wadahiro/authsession/internal/api"
	"github.com/wadahiro/authsession/internal/challenge"
	"github.com/wadahiro/authsession/internal/credential"
)

var (
	// ErrInvalidCredentials means the password or code was rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMalformedResponse means a 2xx response lacked the identity or token.
	ErrMalformedResponse = errors.New("backend response is missing session data")
)

// Controller orchestrates session establishment and teardown.
type Controller struct {
	api       *api.Client
	store     *credential.Store
	endpoints Endpoints
	logger    *slog.Logger
	validate  *validator.Validate
	refresh   singleflight.Group

	mu      sync.Mutex
	attempt AttemptState
}

// NewController creates a session controller.
func NewController(client *api.Client, store *credential.Store, endpoints Endpoints, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		api:       client,
		store:     store,
		endpoints: endpoints,
		logger:    logger,
		validate:  validator.New(),
		attempt:   AttemptIdle,
	}
}

// Store returns the credential store this controller writes to.
func (c *Controller) Store() *credential.Store {
	return c.store
}

// Attempt returns the state of the most recent login attempt.
func (c *Controller) Attempt() AttemptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Controller) setAttempt(state AttemptState, source string) {
	c.mu.Lock()
	prev := c.attempt
	c.attempt = state
	c.mu.Unlock()
	c.logger.Debug("Login attempt transition", "source", source, "from", prev, "to", state)
}

// Restore rehydrates persisted credentials. When a session was restored it
// is immediately observable as authenticated, and a background identity
// refresh starts; the returned channel yields that refresh's result.
// The channel is nil when nothing was restored.
func (c *Controller) Restore(ctx context.Context) (<-chan error, error) {
	ok, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	c.logger.Info("Session restored, refreshing identity in background")
	done := make(chan error, 1)
	go func() {
		_, err := c.RefreshIdentity(ctx)
		done <- err
		close(done)
	}()
	return done, nil
}

// Login authenticates with email and password.
func (c *Controller) Login(ctx context.Context, email, password string) (Result, error) {
	c.setAttempt(AttemptSubmitting, "password")

	var data authResponse
	err := c.api.Do(ctx, api.Request{
		Method:   http.MethodPost,
		Path:     c.endpoints.Login,
		Body:     map[string]string{"email": email, "password": password},
		SkipAuth: true,
	}, &data)
	if err != nil {
		c.setAttempt(AttemptFailed, "password")
		return Result{}, credentialError(err)
	}
	return c.finalize(ctx, data, email, "password")
}

// FinalizeFederated exchanges a federated provider access token for a
// backend session, honoring the step-up branch exactly like Login.
func (c *Controller) FinalizeFederated(ctx context.Context, provider, accessToken string) (Result, error) {
	c.setAttempt(AttemptSubmitting, provider)

	var data authResponse
	err := c.api.Do(ctx, api.Request{
		Method:   http.MethodPost,
		Path:     c.endpoints.oauthPath(provider),
		Body:     map[string]string{"accessToken": accessToken},
		SkipAuth: true,
	}, &data)
	if err != nil {
		c.setAttempt(AttemptFailed, provider)
		return Result{}, credentialError(err)
	}
	return c.finalize(ctx, data, "", provider)
}

// finalize persists a complete response or returns a challenge ticket.
func (c *Controller) finalize(ctx context.Context, data authResponse, email, source string) (Result, error) {
	if data.RequiresMFA {
		if data.Email != "" {
			email = data.Email
		}
		if email == "" {
			c.setAttempt(AttemptFailed, source)
			return Result{}, fmt.Errorf("%w: challenge without email", ErrMalformedResponse)
		}
		c.setAttempt(AttemptChallengeRequired, source)
		return Result{Challenge: challenge.NewTicket(email)}, nil
	}
	if !data.complete() {
		c.setAttempt(AttemptFailed, source)
		return Result{}, ErrMalformedResponse
	}

	identity := data.identity()
	if err := c.store.Persist(ctx, identity, credential.BackendToken(data.Token)); err != nil {
		c.setAttempt(AttemptFailed, source)
		return Result{}, err
	}
	c.setAttempt(AttemptFinalized, source)
	c.logger.Info("Session established", "source", source, "user_id", identity.ID)
	return Result{Identity: identity}, nil
}

// VerifyChallenge completes a step-up challenge. Only a live ticket can
// reach this path; it is the sole route from challenge to a persisted session.
func (c *Controller) VerifyChallenge(ctx context.Context, ticket *challenge.Ticket, code string) (*credential.Identity, error) {
	if ticket == nil || ticket.Email == "" {
		return nil, challenge.ErrNoPendingChallenge
	}

	var data authResponse
	err := c.api.Do(ctx, api.Request{
		Method:   http.MethodPost,
		Path:     c.endpoints.MFAVerify,
		Body:     map[string]string{"email": ticket.Email, "code": code},
		SkipAuth: true,
	}, &data)
	if err != nil {
		return nil, credentialError(err)
	}
	if !data.complete() {
		return nil, ErrMalformedResponse
	}

	identity := data.identity()
	if err := c.store.Persist(ctx, identity, credential.BackendToken(data.Token)); err != nil {
		return nil, err
	}
	c.setAttempt(AttemptFinalized, "challenge")
	c.logger.Info("Session established", "source", "challenge", "user_id", identity.ID)
	return identity, nil
}

// Register creates an account. A successful response that lacks the data
// needed to sign in returns (nil, nil): the caller should prompt for a
// manual login.
func (c *Controller) Register(ctx context.Context, req RegisterRequest) (*Result, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid registration: %w", err)
	}
	c.setAttempt(AttemptSubmitting, "register")

	var data authResponse
	err := c.api.Do(ctx, api.Request{
		Method:   http.MethodPost,
		Path:     c.endpoints.Register,
		Body:     req,
		SkipAuth: true,
	}, &data)
	if err != nil {
		c.setAttempt(AttemptFailed, "register")
		return nil, err
	}

	if !data.RequiresMFA && !data.complete() {
		// TODO: confirm with product whether the backend may legitimately
		// omit the session here or whether this masks a contract violation.
		c.logger.Warn("Registration succeeded without session data; manual login required",
			"has_user", data.User != nil, "has_token", data.Token != "")
		c.setAttempt(AttemptIdle, "register")
		return nil, nil
	}

	result, err := c.finalize(ctx, data, req.Email, "register")
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RefreshIdentity re-fetches the Identity with the current Token. A 401
// tears the session down; any other failure leaves it untouched.
// Concurrent calls share one request.
func (c *Controller) RefreshIdentity(ctx context.Context) (*credential.Identity, error) {
	token := c.store.Token()
	if token.IsZero() {
		return nil, credential.ErrNotAuthenticated
	}

	v, err, _ := c.refresh.Do(token.Value, func() (any, error) {
		var raw json.RawMessage
		if err := c.api.Do(ctx, api.Request{Path: c.endpoints.Me}, &raw); err != nil {
			return nil, err
		}
		identity, err := decodeIdentity(raw)
		if err != nil {
			return nil, err
		}
		updated, err := c.store.UpdateIdentityIfToken(ctx, token.Value, mergeIdentity(c.store.Identity(), identity))
		if err != nil {
			return nil, err
		}
		if !updated {
			c.logger.Debug("Discarding identity refresh for superseded token")
		}
		return c.store.Identity(), nil
	})
	if err != nil {
		if api.IsUnauthorized(err) {
			if _, cerr := c.store.ClearIfToken(ctx, token.Value); cerr != nil {
				c.logger.Warn("Failed to clear credentials after 401", "error", cerr)
			}
			return nil, err
		}
		c.logger.Warn("Identity refresh failed, keeping cached identity", "error", err)
		return nil, err
	}
	return v.(*credential.Identity), nil
}

// UpdateProfile sends updates and merges the server-confirmed identity.
// The Token is never changed.
func (c *Controller) UpdateProfile(ctx context.Context, updates ProfileUpdate) (*credential.Identity, error) {
	if err := c.validate.Struct(updates); err != nil {
		return nil, fmt.Errorf("invalid profile update: %w", err)
	}
	token := c.store.Token()
	if token.IsZero() {
		return nil, credential.ErrNotAuthenticated
	}

	var raw json.RawMessage
	if err := c.api.Do(ctx, api.Request{
		Method: http.MethodPut,
		Path:   c.endpoints.Profile,
		Body:   updates,
	}, &raw); err != nil {
		return nil, err
	}
	confirmed, err := decodeIdentity(raw)
	if err != nil {
		return nil, err
	}
	updated, err := c.store.UpdateIdentityIfToken(ctx, token.Value, mergeIdentity(c.store.Identity(), confirmed))
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, credential.ErrNotAuthenticated
	}
	return c.store.Identity(), nil
}

// Logout invalidates the session server-side on a best-effort basis. The
// local session is always cleared, whatever the server call did. Calling
// Logout while logged out is a no-op that still leaves the store cleared.
func (c *Controller) Logout(ctx context.Context) (err error) {
	defer func() {
		if cerr := c.store.Clear(context.WithoutCancel(ctx)); cerr != nil {
			err = cerr
		}
		c.setAttempt(AttemptIdle, "logout")
	}()

	if c.store.Token().IsZero() {
		return nil
	}
	if err := c.api.Do(ctx, api.Request{Method: http.MethodPost, Path: c.endpoints.Logout, NoRedirect: true}, nil); err != nil {
		c.logger.Warn("Server-side logout failed, clearing local session anyway", "error", err)
	}
	return nil
}

// decodeIdentity accepts either {"user": {...}} or a bare identity object.
func decodeIdentity(raw json.RawMessage) (*credential.Identity, error) {
	var wrapped struct {
		User *credential.Identity `json:"user"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil {
		return wrapped.User, nil
	}
	var bare credential.Identity
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if bare.ID == "" && bare.Email == "" {
		return nil, ErrMalformedResponse
	}
	return &bare, nil
}

// credentialError maps rejected-credential statuses onto ErrInvalidCredentials.
func credentialError(err error) error {
	switch api.StatusCode(err) {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return err
}
