// Package storageauth decides whether an object-storage operation may run.
// The backend token and the federated session are evaluated independently:
// holding one never implies the other.
package storageauth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wadahiro/authsession/internal/credential"
	"github.com/wadahiro/authsession/internal/federated"
)

// Authorized is the reconciliation rule.
func Authorized(hasBackendToken, hasFederatedSession bool) bool {
	return hasBackendToken || hasFederatedSession
}

// CredentialReader is the read side of the credential store.
type CredentialReader interface {
	Snapshot() credential.Snapshot
}

// Decision is the outcome of one check.
type Decision struct {
	Backend   bool
	Federated bool
	Allowed   bool
	// Principal is the identity storage access control evaluates: the
	// federated subject when a federated session exists, otherwise the
	// backend identity ID.
	Principal string
	Session   *federated.Session
}

// Authorizer evaluates both credential sources.
type Authorizer struct {
	credentials CredentialReader
	federated   federated.SessionSource
	logger      *slog.Logger
}

// New creates an Authorizer. Either source may be nil.
func New(credentials CredentialReader, source federated.SessionSource, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{credentials: credentials, federated: source, logger: logger}
}

// Check evaluates the backend token and the federated session. A failing
// federated source counts as absent; the error is returned alongside the
// decision so the caller may surface it.
func (a *Authorizer) Check(ctx context.Context) (Decision, error) {
	var d Decision
	var backendID string
	if a.credentials != nil {
		snap := a.credentials.Snapshot()
		d.Backend = !snap.Token.IsZero()
		if snap.Identity != nil {
			backendID = snap.Identity.ID
		}
	}

	var srcErr error
	if a.federated != nil {
		sess, err := a.federated.Current(ctx)
		switch {
		case err == nil && sess == nil:
			a.logger.Debug("Federated source returned no session", "source", a.federated.Name())
		case err == nil:
			d.Federated = true
			d.Session = sess
			d.Principal = sess.Subject
			if d.Principal == "" {
				d.Principal = sess.Email
			}
		case errors.Is(err, federated.ErrNoFederatedSession):
		default:
			a.logger.Warn("Federated session check failed, treating as absent",
				"source", a.federated.Name(), "error", err)
			srcErr = err
		}
	}
	if !d.Federated && d.Backend {
		d.Principal = backendID
	}
	d.Allowed = Authorized(d.Backend, d.Federated)
	return d, srcErr
}
