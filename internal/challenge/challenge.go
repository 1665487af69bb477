// Package challenge gates session finalization behind a one-time code.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wadahiro/authsession/internal/credential"
)

// DefaultCodeLength is the number of digits in a step-up code.
const DefaultCodeLength = 6

var (
	ErrNoPendingChallenge = errors.New("no pending verification challenge")
	ErrInvalidCode        = errors.New("verification code is malformed")
)

// Ticket is the in-memory record of a pending step-up challenge.
// It is never persisted; a reload forces a fresh login.
type Ticket struct {
	Email    string
	IssuedAt time.Time
}

// NewTicket issues a ticket for email.
func NewTicket(email string) *Ticket {
	return &Ticket{Email: email, IssuedAt: time.Now()}
}

// Verifier completes a challenge against the backend and finalizes the session.
type Verifier interface {
	VerifyChallenge(ctx context.Context, ticket *Ticket, code string) (*credential.Identity, error)
}

// Controller holds at most one live ticket.
type Controller struct {
	verifier   Verifier
	logger     *slog.Logger
	validate   *validator.Validate
	codeLength int

	mu     sync.Mutex
	ticket *Ticket
}

// NewController creates a challenge controller. codeLength <= 0 uses DefaultCodeLength.
func NewController(verifier Verifier, codeLength int, logger *slog.Logger) *Controller {
	if codeLength <= 0 {
		codeLength = DefaultCodeLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		verifier:   verifier,
		logger:     logger,
		validate:   validator.New(),
		codeLength: codeLength,
	}
}

// Begin makes ticket the live challenge, replacing any earlier one.
func (c *Controller) Begin(ticket *Ticket) {
	if ticket == nil {
		return
	}
	c.mu.Lock()
	c.ticket = ticket
	c.mu.Unlock()
	c.logger.Info("Verification challenge started")
}

// Pending returns a copy of the live ticket, or nil.
func (c *Controller) Pending() *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket == nil {
		return nil
	}
	t := *c.ticket
	return &t
}

// Abandon discards the live ticket without verifying.
func (c *Controller) Abandon() {
	c.mu.Lock()
	c.ticket = nil
	c.mu.Unlock()
}

// Verify submits code for the live ticket. On success the ticket is
// discarded and the finalized Identity is returned; on failure the ticket
// stays live so the caller may retry.
func (c *Controller) Verify(ctx context.Context, code string) (*credential.Identity, error) {
	c.mu.Lock()
	ticket := c.ticket
	c.mu.Unlock()
	if ticket == nil {
		return nil, ErrNoPendingChallenge
	}

	code = strings.TrimSpace(code)
	rule := fmt.Sprintf("required,numeric,len=%d", c.codeLength)
	if err := c.validate.Var(code, rule); err != nil {
		return nil, fmt.Errorf("%w: expected %d digits", ErrInvalidCode, c.codeLength)
	}

	identity, err := c.verifier.VerifyChallenge(ctx, ticket, code)
	if err != nil {
		c.logger.Info("Verification code rejected", "error", err)
		return nil, err
	}

	c.mu.Lock()
	if c.ticket == ticket {
		c.ticket = nil
	}
	c.mu.Unlock()
	return identity, nil
}
