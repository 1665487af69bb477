package protocol

import (
	"testing"
)

func TestRandomHex(t *testing.T) {
	hex, err := RandomHex(16)
	if err != nil {
		t.Fatalf("RandomHex failed: %v", err)
	}
	if len(hex) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("RandomHex(16) length = %d, want 32", len(hex))
	}

	// Ensure two calls produce different values
	hex2, _ := RandomHex(16)
	if hex == hex2 {
		t.Error("RandomHex produced identical values")
	}
}

func TestNewState(t *testing.T) {
	s, err := NewState()
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	if len(s) != 32 {
		t.Errorf("NewState length = %d, want 32", len(s))
	}
}

func TestPKCEChallengeS256(t *testing.T) {
	// RFC 7636 Appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := PKCEChallengeS256(verifier); got != want {
		t.Errorf("PKCEChallengeS256 = %q, want %q", got, want)
	}
}

func TestEqualState(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		got      string
		want     bool
	}{
		{"match", "abc", "abc", true},
		{"mismatch", "abc", "abd", false},
		{"empty expected", "", "", false},
		{"empty got", "abc", "", false},
		{"different length", "abc", "abcd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EqualState(tt.expected, tt.got); got != tt.want {
				t.Errorf("EqualState(%q, %q) = %v, want %v", tt.expected, tt.got, got, tt.want)
			}
		})
	}
}
