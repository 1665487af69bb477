package session

import (
	"strings"

	"github.com/wadahiro/authsession/internal/challenge"
	"github.com/wadahiro/authsession/internal/credential"
)

// Endpoints are the backend identity paths. OAuth contains "{provider}".
type Endpoints struct {
	Login     string
	Register  string
	Me        string
	Profile   string
	Logout    string
	MFAVerify string
	OAuth     string
}

// DefaultEndpoints returns the standard backend paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:     "/auth/login",
		Register:  "/auth/register",
		Me:        "/auth/me",
		Profile:   "/auth/profile",
		Logout:    "/auth/logout",
		MFAVerify: "/auth/mfa/verify",
		OAuth:     "/auth/oauth/{provider}",
	}
}

func (e Endpoints) oauthPath(provider string) string {
	return strings.ReplaceAll(e.OAuth, "{provider}", provider)
}

// AttemptState is the state of the current login attempt.
type AttemptState string

const (
	AttemptIdle              AttemptState = "idle"
	AttemptSubmitting        AttemptState = "submitting"
	AttemptFinalized         AttemptState = "finalized"
	AttemptChallengeRequired AttemptState = "challenge_required"
	AttemptFailed            AttemptState = "failed"
)

// Result is the outcome of a session establishment call: either a
// finalized Identity or a step-up challenge ticket, never both.
type Result struct {
	Identity  *credential.Identity
	Challenge *challenge.Ticket
}

// ChallengeRequired reports whether verification must happen before finalization.
func (r Result) ChallengeRequired() bool {
	return r.Challenge != nil
}

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	CompanyName string `json:"companyName,omitempty" validate:"omitempty,max=100"`
}

// ProfileUpdate carries the fields a user may change. Nil fields are left unchanged.
type ProfileUpdate struct {
	Name      *string `json:"name,omitempty"`
	Email     *string `json:"email,omitempty" validate:"omitempty,email"`
	AvatarURL *string `json:"avatarUrl,omitempty" validate:"omitempty,url"`
}

// company is the optional tenant info returned on registration.
type company struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// authResponse is the data payload of login, register, verify and federated
// finalize responses.
type authResponse struct {
	User        *credential.Identity `json:"user"`
	Token       string               `json:"token"`
	RequiresMFA bool                 `json:"requiresMfa"`
	Email       string               `json:"email"`
	Company     *company             `json:"company"`
}

func (r authResponse) complete() bool {
	return r.User != nil && r.Token != ""
}

// identity returns the user with any tenant info merged in.
func (r authResponse) identity() *credential.Identity {
	id := r.User.Clone()
	if r.Company != nil {
		if id.CompanyID == "" {
			id.CompanyID = r.Company.ID
		}
		if id.CompanyName == "" {
			id.CompanyName = r.Company.Name
		}
		if id.CompanyRole == "" {
			id.CompanyRole = r.Company.Role
		}
	}
	return id
}

// mergeIdentity overlays the non-empty fields of confirmed onto current.
func mergeIdentity(current, confirmed *credential.Identity) *credential.Identity {
	if current == nil {
		return confirmed.Clone()
	}
	merged := current.Clone()
	if confirmed.ID != "" {
		merged.ID = confirmed.ID
	}
	if confirmed.Email != "" {
		merged.Email = confirmed.Email
	}
	if confirmed.Name != "" {
		merged.Name = confirmed.Name
	}
	if confirmed.Role != "" {
		merged.Role = confirmed.Role
	}
	if confirmed.CompanyID != "" {
		merged.CompanyID = confirmed.CompanyID
	}
	if confirmed.CompanyName != "" {
		merged.CompanyName = confirmed.CompanyName
	}
	if confirmed.CompanyRole != "" {
		merged.CompanyRole = confirmed.CompanyRole
	}
	if confirmed.AvatarURL != "" {
		merged.AvatarURL = confirmed.AvatarURL
	}
	merged.MFAEnabled = confirmed.MFAEnabled
	return merged
}
