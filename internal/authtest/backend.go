// Package authtest provides in-process fakes of the application backend and
// of an OAuth2/OIDC identity provider for tests.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/wadahiro/authsession/internal/credential"
)

type user struct {
	identity     credential.Identity
	passwordHash []byte
	totpSecret   string
}

// Backend is a fake application backend speaking the identity endpoints.
type Backend struct {
	Server *httptest.Server

	mu         sync.Mutex
	users      map[string]*user  // by email
	tokens     map[string]string // bearer token -> email
	federated  map[string]string // provider + ":" + access token -> email
	trusted    map[string]func(accessToken string) (string, bool)
	signingKey []byte
	calls      []string

	meStatus           int
	logoutStatus       int
	registerOmitsToken bool
}

// NewBackend starts a fake backend that is closed when the test ends.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		users:      make(map[string]*user),
		tokens:     make(map[string]string),
		federated:  make(map[string]string),
		trusted:    make(map[string]func(string) (string, bool)),
		signingKey: []byte("authtest-signing-key"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/register", b.handleRegister)
	mux.HandleFunc("GET /auth/me", b.handleMe)
	mux.HandleFunc("PUT /auth/profile", b.handleProfile)
	mux.HandleFunc("POST /auth/logout", b.handleLogout)
	mux.HandleFunc("POST /auth/mfa/verify", b.handleVerify)
	mux.HandleFunc("POST /auth/oauth/{provider}", b.handleOAuth)
	mux.HandleFunc("GET /projects", b.handleProjects)
	b.Server = httptest.NewServer(b.record(mux))
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the backend base URL.
func (b *Backend) URL() string {
	return b.Server.URL
}

// AddUser registers an account. When mfa is true a TOTP secret is created
// and returned; use Code to produce a valid step-up code.
func (b *Backend) AddUser(t testing.TB, id credential.Identity, password string, mfa bool) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	u := &user{identity: id, passwordHash: hash}
	if mfa {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: "authtest", AccountName: id.Email})
		if err != nil {
			t.Fatalf("totp generate: %v", err)
		}
		u.totpSecret = key.Secret()
		u.identity.MFAEnabled = true
	}
	b.mu.Lock()
	b.users[id.Email] = u
	b.mu.Unlock()
	return u.totpSecret
}

// Code returns the current step-up code for email.
func (b *Backend) Code(t testing.TB, email string) string {
	t.Helper()
	b.mu.Lock()
	u := b.users[email]
	b.mu.Unlock()
	if u == nil || u.totpSecret == "" {
		t.Fatalf("no MFA user %s", email)
	}
	code, err := totp.GenerateCode(u.totpSecret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	return code
}

// AddFederatedToken makes accessToken from provider map to email.
func (b *Backend) AddFederatedToken(provider, accessToken, email string) {
	b.mu.Lock()
	b.federated[provider+":"+accessToken] = email
	b.mu.Unlock()
}

// TrustProvider makes the backend accept any access token that lookup
// resolves to an email, such as tokens issued by a fake Provider.
func (b *Backend) TrustProvider(provider string, lookup func(accessToken string) (string, bool)) {
	b.mu.Lock()
	b.trusted[provider] = lookup
	b.mu.Unlock()
}

// FailMe makes GET /auth/me answer with status. Zero restores normal behavior.
func (b *Backend) FailMe(status int) {
	b.mu.Lock()
	b.meStatus = status
	b.mu.Unlock()
}

// FailLogout makes POST /auth/logout answer with status.
func (b *Backend) FailLogout(status int) {
	b.mu.Lock()
	b.logoutStatus = status
	b.mu.Unlock()
}

// OmitRegisterToken makes registration succeed without issuing a session.
func (b *Backend) OmitRegisterToken(omit bool) {
	b.mu.Lock()
	b.registerOmitsToken = omit
	b.mu.Unlock()
}

func (b *Backend) override(field *int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *field
}

// RevokeAll invalidates every issued bearer token.
func (b *Backend) RevokeAll() {
	b.mu.Lock()
	b.tokens = make(map[string]string)
	b.mu.Unlock()
}

// Calls returns "METHOD /path" for every request received.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CallCount counts received requests matching "METHOD /path".
func (b *Backend) CallCount(call string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls = append(b.calls, r.Method+" "+r.URL.Path)
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) issueToken(u *user) string {
	claims := jwt.RegisteredClaims{
		Subject:   u.identity.ID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.signingKey)
	b.tokens[signed] = u.identity.Email
	return signed
}

func (b *Backend) authenticated(r *http.Request) (*user, string) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	defer b.mu.Unlock()
	email, ok := b.tokens[token]
	if !ok {
		return nil, ""
	}
	return b.users[email], token
}

func (b *Backend) sessionOrChallenge(w http.ResponseWriter, u *user) {
	if u.totpSecret != "" {
		writeData(w, http.StatusOK, map[string]any{"requiresMfa": true, "email": u.identity.Email})
		return
	}
	b.mu.Lock()
	token := b.issueToken(u)
	b.mu.Unlock()
	writeData(w, http.StatusOK, map[string]any{"user": u.identity, "token": token})
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	b.mu.Lock()
	u := b.users[req.Email]
	b.mu.Unlock()
	if u == nil || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	b.sessionOrChallenge(w, u)
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Email       string `json:"email"`
		Password    string `json:"password"`
		CompanyName string `json:"companyName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	b.mu.Lock()
	_, exists := b.users[req.Email]
	b.mu.Unlock()
	if exists {
		writeError(w, http.StatusConflict, "Email already registered")
		return
	}
	hash, _ := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	u := &user{
		identity:     credential.Identity{ID: uuid.NewString(), Email: req.Email, Name: req.Name, Role: "owner"},
		passwordHash: hash,
	}
	b.mu.Lock()
	b.users[req.Email] = u
	b.mu.Unlock()

	b.mu.Lock()
	omit := b.registerOmitsToken
	b.mu.Unlock()
	if omit {
		writeData(w, http.StatusCreated, map[string]any{"user": u.identity})
		return
	}
	b.mu.Lock()
	token := b.issueToken(u)
	b.mu.Unlock()
	data := map[string]any{"user": u.identity, "token": token}
	if req.CompanyName != "" {
		data["company"] = map[string]string{"id": "c-" + req.Email, "name": req.CompanyName, "role": "owner"}
	}
	writeData(w, http.StatusCreated, data)
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	if status := b.override(&b.meStatus); status != 0 {
		writeError(w, status, http.StatusText(status))
		return
	}
	u, _ := b.authenticated(r)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}
	b.mu.Lock()
	id := u.identity
	b.mu.Unlock()
	writeData(w, http.StatusOK, map[string]any{"user": id})
}

func (b *Backend) handleProfile(w http.ResponseWriter, r *http.Request) {
	u, _ := b.authenticated(r)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}
	var req struct {
		Name      *string `json:"name"`
		Email     *string `json:"email"`
		AvatarURL *string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	b.mu.Lock()
	if req.Name != nil {
		u.identity.Name = *req.Name
	}
	if req.AvatarURL != nil {
		u.identity.AvatarURL = *req.AvatarURL
	}
	id := u.identity
	b.mu.Unlock()
	writeData(w, http.StatusOK, map[string]any{"user": id})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	if status := b.override(&b.logoutStatus); status != 0 {
		writeError(w, status, http.StatusText(status))
		return
	}
	_, token := b.authenticated(r)
	if token != "" {
		b.mu.Lock()
		delete(b.tokens, token)
		b.mu.Unlock()
	}
	writeData(w, http.StatusOK, nil)
}

func (b *Backend) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	b.mu.Lock()
	u := b.users[req.Email]
	b.mu.Unlock()
	if u == nil || u.totpSecret == "" || !totp.Validate(req.Code, u.totpSecret) {
		writeError(w, http.StatusUnauthorized, "Invalid verification code")
		return
	}
	b.mu.Lock()
	token := b.issueToken(u)
	b.mu.Unlock()
	writeData(w, http.StatusOK, map[string]any{"user": u.identity, "token": token})
}

func (b *Backend) handleOAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	provider := r.PathValue("provider")
	b.mu.Lock()
	email, ok := b.federated[provider+":"+req.AccessToken]
	lookup := b.trusted[provider]
	b.mu.Unlock()
	if !ok && lookup != nil {
		email, ok = lookup(req.AccessToken)
	}
	b.mu.Lock()
	u := b.users[email]
	b.mu.Unlock()
	if !ok || u == nil {
		writeError(w, http.StatusUnauthorized, "Federated token rejected")
		return
	}
	b.sessionOrChallenge(w, u)
}

func (b *Backend) handleProjects(w http.ResponseWriter, r *http.Request) {
	if u, _ := b.authenticated(r); u == nil {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}
	writeData(w, http.StatusOK, []map[string]string{{"id": "p1", "name": "Launch"}})
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}
