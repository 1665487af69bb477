// Package api is the token-bearing request layer. Every outbound backend
// call goes through Client.Do, which attaches the current bearer token and
// tears the session down centrally when the backend answers 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wadahiro/authsession/internal/credential"
	"github.com/wadahiro/authsession/internal/nav"
	"github.com/wadahiro/authsession/internal/protocol"
)

const (
	tracerName      = "github.com/wadahiro/authsession/internal/api"
	maxResponseSize = 1 << 20

	// ExpiredMessage is shown when an authorization failure forces re-login.
	ExpiredMessage = "Your session has expired. Please sign in again."
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      *credential.Store
	Navigator  nav.Navigator
	Logger     *slog.Logger
}

// Client sends requests to the backend on behalf of the current session.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	store   *credential.Store
	nav     nav.Navigator
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Request describes one backend call. Requests are authorized by default;
// set SkipAuth to send without the bearer token.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Body     any
	SkipAuth bool
	// NoRedirect still clears the session on 401 but leaves navigation
	// to the caller, for requests that end the session on purpose.
	NoRedirect bool
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("api client requires a credential store")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", opts.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q: scheme must be http or https", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: base,
		http:    httpClient,
		store:   opts.Store,
		nav:     opts.Navigator,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Do sends req and decodes the response's data payload into out (may be nil).
// It never retries.
func (c *Client) Do(ctx context.Context, req Request, out any) (err error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := c.tracer.Start(ctx, "api "+method+" "+req.Path, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, req.Path, err)
		}
		body = bytes.NewReader(b)
	}

	u := c.baseURL.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, req.Path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("X-Request-ID", requestID)

	var tokenSent string
	if !req.SkipAuth {
		if tok := c.store.Token(); !tok.IsZero() {
			tokenSent = tok.Value
			httpReq.Header.Set("Authorization", "Bearer "+tokenSent)
		}
	}
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", req.Path),
		attribute.Bool("authsession.authorized", tokenSent != ""),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Debug("Request failed", "method", method, "path", req.Path, "request_id", requestID, "error", err)
		return &NetworkError{Method: method, Path: req.Path, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &NetworkError{Method: method, Path: req.Path, Err: err}
	}

	var env envelope
	hasEnvelope := len(bytes.TrimSpace(raw)) > 0 &&
		protocol.IsJSONContent(resp.Header.Get("Content-Type")) &&
		json.Unmarshal(raw, &env) == nil

	if resp.StatusCode == http.StatusUnauthorized {
		se := &StatusError{Status: resp.StatusCode, Message: extractMessage(env)}
		code, desc, _ := protocol.ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
		se.Code = code
		if se.Message == "" {
			se.Message = desc
		}
		if !req.SkipAuth {
			c.handleUnauthorized(ctx, method, req.Path, tokenSent, !req.NoRedirect)
		}
		return se
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Status: resp.StatusCode}
		if hasEnvelope {
			se.Message = extractMessage(env)
		}
		c.logger.Debug("Request returned error status",
			"method", method, "path", req.Path, "status", resp.StatusCode, "request_id", requestID)
		return se
	}

	if hasEnvelope && env.Success != nil && !*env.Success {
		return &ApplicationError{Status: resp.StatusCode, Message: extractMessage(env)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	payload := json.RawMessage(raw)
	if hasEnvelope && len(env.Data) > 0 {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, req.Path, err)
	}
	return nil
}

// handleUnauthorized performs the implicit teardown for an authorized request.
func (c *Client) handleUnauthorized(ctx context.Context, method, path, tokenSent string, redirect bool) {
	teardown := tokenSent == ""
	if tokenSent != "" {
		cleared, err := c.store.ClearIfToken(ctx, tokenSent)
		if err != nil {
			c.logger.Warn("Failed to clear credentials after 401", "error", err)
		}
		teardown = cleared
	}
	if !teardown {
		c.logger.Debug("Ignoring 401 for superseded token", "method", method, "path", path)
		return
	}
	c.logger.Info("Authorization rejected, session cleared", "method", method, "path", path)
	if redirect && c.nav != nil && c.nav.Current() != nav.SurfaceLogin {
		c.nav.Navigate(nav.SurfaceLogin, ExpiredMessage)
	}
}
