package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const providerKeyID = "authtest-1"

type grant struct {
	subject       string
	email         string
	codeChallenge string
}

// Provider is a fake authorization server. It serves OIDC discovery, a
// JWKS, a token endpoint and a userinfo endpoint. Authorization codes are
// issued directly with IssueCode; there is no interactive authorize page.
// A code is consumed only by a successful exchange.
type Provider struct {
	Server   *httptest.Server
	ClientID string

	key *rsa.PrivateKey

	mu       sync.Mutex
	grants   map[string]grant  // code -> grant
	accessed map[string]string // access token -> email
	requests []map[string]string
	tokenErr string
}

// NewProvider starts a fake authorization server closed when the test ends.
func NewProvider(t testing.TB) *Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	p := &Provider{
		ClientID: "authtest-client",
		key:      key,
		grants:   make(map[string]grant),
		accessed: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /jwks", p.handleJWKS)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /userinfo", p.handleUserInfo)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer returns the issuer URL, which is also the discovery base.
func (p *Provider) Issuer() string { return p.Server.URL }

// AuthorizeURL is the authorization endpoint advertised in discovery.
func (p *Provider) AuthorizeURL() string { return p.Server.URL + "/authorize" }

// TokenURL is the token endpoint.
func (p *Provider) TokenURL() string { return p.Server.URL + "/token" }

// IssueCode creates a single-use authorization code for email. A non-empty
// codeChallenge makes the token endpoint require the matching S256 verifier.
func (p *Provider) IssueCode(email, codeChallenge string) string {
	code := uuid.NewString()
	p.mu.Lock()
	p.grants[code] = grant{subject: "sub-" + email, email: email, codeChallenge: codeChallenge}
	p.mu.Unlock()
	return code
}

// RejectTokens makes every token request fail with the OAuth error code.
// An empty code restores normal behavior.
func (p *Provider) RejectTokens(code string) {
	p.mu.Lock()
	p.tokenErr = code
	p.mu.Unlock()
}

// AccessTokenEmail reports which account an issued access token belongs to.
func (p *Provider) AccessTokenEmail(token string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	email, ok := p.accessed[token]
	return email, ok
}

// TokenRequests returns the form parameters of every token request.
// HTTP Basic client credentials appear under "basic_client_id".
func (p *Provider) TokenRequests() []map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]string(nil), p.requests...)
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.AuthorizeURL(),
		"token_endpoint":                        p.TokenURL(),
		"userinfo_endpoint":                     p.Server.URL + "/userinfo",
		"jwks_uri":                              p.Server.URL + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	pub := p.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": providerKeyID,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	params := make(map[string]string)
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	if id, _, ok := r.BasicAuth(); ok {
		params["basic_client_id"] = id
	}
	p.mu.Lock()
	p.requests = append(p.requests, params)
	g, ok := p.grants[params["code"]]
	tokenErr := p.tokenErr
	p.mu.Unlock()

	if tokenErr != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": tokenErr, "error_description": "rejected by test"})
		return
	}
	if params["grant_type"] != "authorization_code" || !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unknown code"})
		return
	}
	if g.codeChallenge != "" {
		sum := sha256.Sum256([]byte(params["code_verifier"]))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != g.codeChallenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
			return
		}
	}

	accessToken := "at-" + uuid.NewString()
	p.mu.Lock()
	delete(p.grants, params["code"])
	p.accessed[accessToken] = g.email
	p.mu.Unlock()

	now := time.Now()
	idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   p.Issuer(),
		"sub":   g.subject,
		"aud":   p.ClientID,
		"email": g.email,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	idToken.Header["kid"] = providerKeyID
	signed, err := idToken.SignedString(p.key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     signed,
	})
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if len(token) > len("Bearer ") {
		token = token[len("Bearer "):]
	}
	email, ok := p.AccessTokenEmail(token)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sub": "sub-" + email, "email": email})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
