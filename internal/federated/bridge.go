// Package federated runs authorization-code redirects against external
// identity providers and hands the resulting provider token to the session
// controller. Every callback consumes its anti-forgery state exactly once
// and fails closed on any mismatch.
package federated

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/wadahiro/authsession/internal/challenge"
	"github.com/wadahiro/authsession/internal/ephemeral"
	"github.com/wadahiro/authsession/internal/nav"
	"github.com/wadahiro/authsession/internal/protocol"
	"github.com/wadahiro/authsession/internal/session"
)

var (
	ErrStateMismatch      = errors.New("oauth state mismatch")
	ErrMissingCode        = errors.New("no authorization code in callback")
	ErrUnknownProvider    = errors.New("unknown identity provider")
	ErrNoFederatedSession = errors.New("no federated session")
)

// User-facing messages. Protocol details stay in the logs.
const (
	MsgStateMismatch = "Authentication failed. Please try again."
	MsgMissingCode   = "No authorization code received."
)

// UnifiedNamespace is the state namespace of the provider-agnostic callback.
const UnifiedNamespace = "unified"

const (
	DefaultSuccessDelay = 1500 * time.Millisecond
	DefaultErrorDelay   = 3 * time.Second
)

func msgNotCompleted(provider string) string {
	return fmt.Sprintf("Could not complete sign-in with %s. Please try again.", provider)
}

// ProviderError is an error returned by the provider in the callback query.
type ProviderError struct {
	Provider    string
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Code
}

// Finalizer turns a provider access token into a backend session.
type Finalizer interface {
	FinalizeFederated(ctx context.Context, provider, accessToken string) (session.Result, error)
}

// ChallengeStarter receives the ticket when a federated login needs step-up.
type ChallengeStarter interface {
	Begin(ticket *challenge.Ticket)
}

// Options configures a Bridge.
type Options struct {
	Providers    []Provider
	States       *ephemeral.StateStore
	Finalizer    Finalizer
	Challenges   ChallengeStarter
	Navigator    nav.Navigator
	Holder       *TokenHolder
	Unified      SessionSource
	SuccessDelay time.Duration
	ErrorDelay   time.Duration
	Logger       *slog.Logger
}

// Bridge shares the anti-forgery and finalize logic across providers.
type Bridge struct {
	providers    map[string]Provider
	names        []string
	states       *ephemeral.StateStore
	finalizer    Finalizer
	challenges   ChallengeStarter
	nav          nav.Navigator
	holder       *TokenHolder
	unified      SessionSource
	successDelay time.Duration
	errorDelay   time.Duration
	logger       *slog.Logger
}

// NewBridge creates a bridge.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Finalizer == nil {
		return nil, errors.New("federated bridge requires a finalizer")
	}
	b := &Bridge{
		providers:    make(map[string]Provider, len(opts.Providers)),
		states:       opts.States,
		finalizer:    opts.Finalizer,
		challenges:   opts.Challenges,
		nav:          opts.Navigator,
		holder:       opts.Holder,
		unified:      opts.Unified,
		successDelay: opts.SuccessDelay,
		errorDelay:   opts.ErrorDelay,
		logger:       opts.Logger,
	}
	for _, p := range opts.Providers {
		if p.Name() == UnifiedNamespace {
			return nil, fmt.Errorf("provider name %q is reserved", UnifiedNamespace)
		}
		if _, dup := b.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		b.providers[p.Name()] = p
		b.names = append(b.names, p.Name())
	}
	if b.states == nil {
		b.states = ephemeral.NewStateStore(0)
	}
	if b.holder == nil {
		b.holder = NewTokenHolder()
	}
	if b.successDelay <= 0 {
		b.successDelay = DefaultSuccessDelay
	}
	if b.errorDelay <= 0 {
		b.errorDelay = DefaultErrorDelay
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

// Providers returns the configured provider names in definition order.
func (b *Bridge) Providers() []string {
	return append([]string(nil), b.names...)
}

// Holder returns the holder of the last exchanged federated session.
func (b *Bridge) Holder() *TokenHolder {
	return b.holder
}

// Initiate stores a fresh state for provider name and returns the
// authorization URL to send the user to.
func (b *Bridge) Initiate(name string) (string, error) {
	p, ok := b.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	state, err := protocol.NewState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	entry := ephemeral.Entry{State: state}

	var opts []oauth2.AuthCodeOption
	if p.UsesPKCE() {
		verifier, err := protocol.NewPKCEVerifier()
		if err != nil {
			return "", fmt.Errorf("generate PKCE verifier: %w", err)
		}
		entry.PKCEVerifier = verifier
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", protocol.PKCEChallengeS256(verifier)),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	b.states.Put(name, entry)
	b.logger.Info("Federated sign-in started", "provider", name, "pkce", p.UsesPKCE())
	return p.AuthCodeURL(state, opts...), nil
}

// Callback completes a provider redirect. The stored state is consumed
// before anything else, so a revisited callback always fails.
func (b *Bridge) Callback(ctx context.Context, name string, query url.Values) *Flow {
	flow := newFlow(name)
	entry, hasEntry := b.states.Take(name)
	b.logger.Debug("Federated callback received",
		append([]any{"provider", name}, protocol.LogAttrs(protocol.RedactedParams(query))...)...)

	p, ok := b.providers[name]
	if !ok {
		b.failFlow(flow, fmt.Errorf("%w: %s", ErrUnknownProvider, name), MsgStateMismatch)
		return flow
	}
	if perr := providerError(name, query); perr != nil {
		b.failFlow(flow, perr, perr.Error())
		return flow
	}
	if !hasEntry || !protocol.EqualState(entry.State, query.Get("state")) {
		b.failFlow(flow, ErrStateMismatch, MsgStateMismatch)
		return flow
	}
	code := query.Get("code")
	if code == "" {
		b.failFlow(flow, ErrMissingCode, MsgMissingCode)
		return flow
	}

	tok, err := p.Exchange(ctx, code, entry.PKCEVerifier)
	if err != nil {
		oauthCode, desc, _ := OAuthErrorFields(err)
		b.logger.Warn("Federated token exchange failed",
			"provider", name, "oauth_error", oauthCode, "oauth_error_description", desc, "error", err)
		b.failFlow(flow, err, msgNotCompleted(name))
		return flow
	}
	b.finalize(ctx, flow, name, tok.AccessToken, func() { b.holder.Set(name, tok) })
	return flow
}

// InitiateUnified stores a fresh state for the provider-agnostic flow and
// returns startURL with a return_to pointing at callbackURL?state=...
func (b *Bridge) InitiateUnified(startURL, callbackURL string) (string, error) {
	start, err := url.Parse(startURL)
	if err != nil {
		return "", fmt.Errorf("parse start URL: %w", err)
	}
	cb, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("parse callback URL: %w", err)
	}
	state, err := protocol.NewState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	b.states.Put(UnifiedNamespace, ephemeral.Entry{State: state})

	cbq := cb.Query()
	cbq.Set("state", state)
	cb.RawQuery = cbq.Encode()
	sq := start.Query()
	sq.Set("return_to", cb.String())
	start.RawQuery = sq.Encode()
	return start.String(), nil
}

// UnifiedCallback completes a flow whose federated session was already
// established by the provider's own client. It skips code exchange and
// finalizes with the session read from the configured source.
func (b *Bridge) UnifiedCallback(ctx context.Context, query url.Values) *Flow {
	name := UnifiedNamespace
	if b.unified != nil {
		name = b.unified.Name()
	}
	flow := newFlow(name)
	entry, hasEntry := b.states.Take(UnifiedNamespace)
	b.logger.Debug("Unified callback received", protocol.LogAttrs(protocol.RedactedParams(query))...)

	if perr := providerError(name, query); perr != nil {
		b.failFlow(flow, perr, perr.Error())
		return flow
	}
	if !hasEntry || !protocol.EqualState(entry.State, query.Get("state")) {
		b.failFlow(flow, ErrStateMismatch, MsgStateMismatch)
		return flow
	}
	if b.unified == nil {
		b.failFlow(flow, ErrNoFederatedSession, msgNotCompleted(name))
		return flow
	}

	sess, err := b.unified.Current(ctx)
	if err != nil {
		b.logger.Warn("Federated session lookup failed", "source", name, "error", err)
		b.failFlow(flow, err, msgNotCompleted(name))
		return flow
	}
	b.finalize(ctx, flow, name, sess.AccessToken, func() {
		b.holder.Set(name, &ProviderToken{
			AccessToken: sess.AccessToken,
			Subject:     sess.Subject,
			Email:       sess.Email,
			Expiry:      sess.ExpiresAt,
		})
	})
	return flow
}

// finalize hands the provider token to the session controller and
// schedules the flow's one navigation.
func (b *Bridge) finalize(ctx context.Context, flow *Flow, name, accessToken string, onFinalized func()) {
	res, err := b.finalizer.FinalizeFederated(ctx, name, accessToken)
	if err != nil {
		b.logger.Warn("Federated sign-in rejected by backend", "provider", name, "error", err)
		b.failFlow(flow, err, msgNotCompleted(name))
		return
	}
	onFinalized()

	if res.ChallengeRequired() {
		if b.challenges != nil {
			b.challenges.Begin(res.Challenge)
		}
		b.logger.Info("Federated sign-in requires verification", "provider", name)
		flow.succeed(res, nav.SurfaceChallenge, 0, b.nav)
		return
	}
	b.logger.Info("Federated sign-in completed", "provider", name)
	flow.succeed(res, nav.SurfaceHome, b.successDelay, b.nav)
}

func (b *Bridge) failFlow(flow *Flow, err error, message string) {
	b.logger.Info("Federated callback failed", "provider", flow.Provider, "error", err)
	flow.fail(err, message, b.errorDelay, b.nav)
}

func providerError(name string, query url.Values) *ProviderError {
	code := query.Get("error")
	if code == "" {
		return nil
	}
	return &ProviderError{Provider: name, Code: code, Description: query.Get("error_description")}
}
