package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OriginBackend marks a token issued by the application backend.
const OriginBackend = "backend"

// Identity is the authenticated principal as returned by the backend.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	CompanyID   string `json:"companyId,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
	CompanyRole string `json:"companyRole,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	MFAEnabled  bool   `json:"mfaEnabled,omitempty"`
}

// Clone returns a copy that callers may modify freely.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}

// Token is the opaque bearer credential issued by the backend.
type Token struct {
	Value  string
	Origin string
}

// BackendToken wraps a raw backend-issued token value.
func BackendToken(value string) Token {
	return Token{Value: value, Origin: OriginBackend}
}

// IsZero reports whether no token value is held.
func (t Token) IsZero() bool {
	return t.Value == ""
}

// ExpiresAt returns the exp claim when the token is a JWT.
// The signature is not verified; the result is for display only.
func (t Token) ExpiresAt() (time.Time, bool) {
	if t.Value == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(t.Value, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Snapshot is an immutable view of the store at one point in time.
type Snapshot struct {
	Identity *Identity
	Token    Token
}

// Authenticated reports whether the snapshot holds a complete pair.
func (s Snapshot) Authenticated() bool {
	return s.Identity != nil && !s.Token.IsZero()
}
