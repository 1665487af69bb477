package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// RandomHex generates a hex-encoded random string of n bytes.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewState returns a fresh anti-forgery state value (16 random bytes).
func NewState() (string, error) {
	return RandomHex(16)
}

// NewPKCEVerifier returns a 64-char hex code_verifier.
func NewPKCEVerifier() (string, error) {
	return RandomHex(32)
}

// PKCEChallengeS256 derives the S256 code_challenge for a verifier (RFC 7636).
func PKCEChallengeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// EqualState compares two state values in constant time.
// An empty expected value never matches.
func EqualState(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
