// Package httplog traces outbound HTTP exchanges for debugging. Bodies are
// only kept for failed responses, since successful ones carry tokens.
package httplog

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wadahiro/authsession/internal/protocol"
)

const maxCapturedBody = 4 << 10

// Capture holds the last failed response seen by a Transport.
type Capture struct {
	Method     string
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Transport wraps an http.RoundTripper, logging each exchange at debug level.
type Transport struct {
	base   http.RoundTripper
	logger *slog.Logger

	mu      sync.Mutex
	capture *Capture
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{base: base, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
		"authorized", req.Header.Get("Authorization") != "",
	}
	if id := req.Header.Get("X-Request-ID"); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if err != nil {
		t.logger.Debug("HTTP exchange failed",
			append(attrs, "duration", time.Since(start), "error", protocol.CleanGoErrorMessage(err.Error()))...)
		return nil, err
	}
	t.logger.Debug("HTTP exchange",
		append(attrs, "status", resp.StatusCode, "duration", time.Since(start))...)

	if resp.StatusCode < 400 {
		return resp, nil
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	kept := body
	if len(kept) > maxCapturedBody {
		kept = kept[:maxCapturedBody]
	}
	u := *req.URL
	u.RawQuery = ""
	t.mu.Lock()
	t.capture = &Capture{
		Method:     req.Method,
		URL:        u.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       bytes.Clone(kept),
	}
	t.mu.Unlock()
	return resp, nil
}

// LastFailure returns and clears the last captured failed response.
func (t *Transport) LastFailure() *Capture {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.capture
	t.capture = nil
	return c
}
