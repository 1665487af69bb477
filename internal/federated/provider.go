package federated

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/wadahiro/authsession/internal/config"
)

// ProviderToken is the result of a successful code exchange.
type ProviderToken struct {
	AccessToken string
	IDToken     string
	Subject     string
	Email       string
	Expiry      time.Time
}

// Provider is one external identity provider reachable by an
// authorization-code redirect.
type Provider interface {
	Name() string
	// UsesPKCE reports whether a code verifier must accompany the flow.
	UsesPKCE() bool
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code, verifier string) (*ProviderToken, error)
}

// NewProvider builds the provider variant selected by cfg.Kind.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, httpClient *http.Client, logger *slog.Logger) (Provider, error) {
	switch cfg.Kind {
	case "oidc":
		return NewOIDCProvider(ctx, cfg, httpClient, logger)
	case "oauth2", "":
		return NewOAuth2Provider(cfg, httpClient), nil
	}
	return nil, fmt.Errorf("provider %s: unsupported kind %q", cfg.Name, cfg.Kind)
}

// oauth2Client holds what both variants share.
type oauth2Client struct {
	name       string
	pkce       bool
	extra      map[string]string
	config     *oauth2.Config
	httpClient *http.Client
}

func (c *oauth2Client) Name() string   { return c.name }
func (c *oauth2Client) UsesPKCE() bool { return c.pkce }

func (c *oauth2Client) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	for k, v := range c.extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return c.config.AuthCodeURL(state, opts...)
}

func (c *oauth2Client) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", verifier))
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.config.Exchange(tokenCtx, code, opts...)
	if err != nil {
		return nil, &ExchangeError{Provider: c.name, Err: err}
	}
	return token, nil
}

// tokenAuthStyle pins how client credentials reach the token endpoint.
// Left to auto-detection, x/oauth2 repeats a rejected exchange with the
// other style, which doubles the request and masks the first error.
func tokenAuthStyle(cfg config.ProviderConfig) oauth2.AuthStyle {
	style := cfg.TokenAuthStyle
	if style == "" {
		style = config.DefaultTokenAuthStyle(cfg.ClientSecret)
	}
	if style == "params" {
		return oauth2.AuthStyleInParams
	}
	return oauth2.AuthStyleInHeader
}

// OAuth2Provider is a plain OAuth 2.0 authorization-code client with
// manually configured endpoints.
type OAuth2Provider struct {
	oauth2Client
}

// NewOAuth2Provider creates a plain OAuth 2.0 provider.
func NewOAuth2Provider(cfg config.ProviderConfig, httpClient *http.Client) *OAuth2Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OAuth2Provider{oauth2Client{
		name:  cfg.Name,
		pkce:  cfg.PKCE,
		extra: cfg.ExtraAuthParams,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: tokenAuthStyle(cfg),
			},
			Scopes: cfg.Scopes,
		},
		httpClient: httpClient,
	}}
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code, verifier string) (*ProviderToken, error) {
	token, err := p.exchange(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	return &ProviderToken{AccessToken: token.AccessToken, Expiry: token.Expiry}, nil
}

const (
	discoveryAttempts = 5
	discoveryBackoff  = 2 * time.Second
)

// OIDCProvider discovers its endpoints from the issuer and verifies the
// ID Token returned by the exchange.
type OIDCProvider struct {
	oauth2Client
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
}

// NewOIDCProvider performs discovery against cfg.Issuer, retrying briefly
// so the CLI can start alongside a provider that is still booting.
func NewOIDCProvider(ctx context.Context, cfg config.ProviderConfig, httpClient *http.Client, logger *slog.Logger) (*OIDCProvider, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	// The provider keeps this context for later JWKS fetches.
	discoveryCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, httpClient)

	var (
		provider *gooidc.Provider
		err      error
	)
	for i := range discoveryAttempts {
		provider, err = gooidc.NewProvider(discoveryCtx, cfg.Issuer)
		if err == nil {
			break
		}
		logger.Warn("OIDC provider discovery failed",
			"provider", cfg.Name, "attempt", i+1, "max", discoveryAttempts, "error", err)
		if i == discoveryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(discoveryBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("discover OIDC provider %s: %w", cfg.Name, err)
	}
	logger.Info("OIDC provider discovered", "provider", cfg.Name, "issuer", cfg.Issuer)

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = tokenAuthStyle(cfg)

	return &OIDCProvider{
		oauth2Client: oauth2Client{
			name:  cfg.Name,
			pkce:  cfg.PKCE,
			extra: cfg.ExtraAuthParams,
			config: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  cfg.RedirectURI,
				Endpoint:     endpoint,
				Scopes:       cfg.Scopes,
			},
			httpClient: httpClient,
		},
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*ProviderToken, error) {
	token, err := p.exchange(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, &ExchangeError{Provider: p.name, Err: errors.New("no id_token in token response")}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, &ExchangeError{Provider: p.name, Err: fmt.Errorf("verify id_token: %w", err)}
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, &ExchangeError{Provider: p.name, Err: fmt.Errorf("decode id_token claims: %w", err)}
	}

	pt := &ProviderToken{
		AccessToken: token.AccessToken,
		IDToken:     rawIDToken,
		Subject:     idToken.Subject,
		Email:       claims.Email,
		Expiry:      token.Expiry,
	}
	if pt.Email == "" {
		// Some providers only release email through UserInfo.
		if info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token)); err == nil {
			pt.Email = info.Email
		}
	}
	return pt, nil
}

// ExchangeError wraps a failed code exchange or token validation.
type ExchangeError struct {
	Provider string
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s token exchange: %v", e.Provider, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// OAuthErrorFields extracts RFC 6749 error fields from a failed exchange.
// If err does not carry an oauth2.RetrieveError, code and description are
// empty and detail is the error message.
func OAuthErrorFields(err error) (code, description, detail string) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode, re.ErrorDescription, string(re.Body)
	}
	return "", "", err.Error()
}
