package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wadahiro/authsession/internal/api"
	"github.com/wadahiro/authsession/internal/authtest"
	"github.com/wadahiro/authsession/internal/credential"
	"github.com/wadahiro/authsession/internal/federated"
)

var ada = credential.Identity{ID: "u1", Email: "ada@example.com", Name: "Ada", Role: "admin"}

type env struct {
	backend *authtest.Backend
	dir     string
	config  string
}

func newEnv(t *testing.T, extra string) *env {
	t.Helper()
	backend := authtest.NewBackend(t)
	dir := t.TempDir()
	cfg := fmt.Sprintf(`api_base_url = %q
log_level = "error"

[storage]
driver = "file"
path = %q
%s`, backend.URL(), filepath.Join(dir, "credentials.json"), extra)
	path := filepath.Join(dir, "authsession.toml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &env{backend: backend, dir: dir, config: path}
}

type result struct {
	stdout string
	stderr string
	err    error
}

func (e *env) run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.config, "--color", "never", "--env-file", ""}, args...))
	err := cmd.Execute()
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

// wrongCode returns a well-formed code that differs from code in every digit.
func wrongCode(code string) string {
	b := []byte(code)
	for i, c := range b {
		b[i] = '0' + (c-'0'+5)%10
	}
	return string(b)
}

func TestLoginWhoamiLogout(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", false)

	r := e.run(t, "correct horse\n", "login", "--email", ada.Email)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "[OK] Signed in as ada@example.com")

	r = e.run(t, "", "whoami")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "ada@example.com")
	assert.Contains(t, r.stdout, "Role:")
	assert.Contains(t, r.stdout, "Verification: disabled")

	r = e.run(t, "", "whoami", "--json")
	require.NoError(t, r.err)
	var got credential.Identity
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &got))
	assert.Equal(t, "u1", got.ID)

	r = e.run(t, "", "logout")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "[OK] Signed out")
	assert.Equal(t, 1, e.backend.CallCount("POST /auth/logout"))

	r = e.run(t, "", "whoami")
	assert.ErrorIs(t, r.err, credential.ErrNotAuthenticated)

	// Logging out again is harmless and does not call the backend.
	r = e.run(t, "", "logout")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Not signed in")
	assert.Equal(t, 1, e.backend.CallCount("POST /auth/logout"))
}

func TestLoginPromptsForEmail(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", false)

	r := e.run(t, ada.Email+"\ncorrect horse\n", "login")
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, "Email: ")
	assert.Contains(t, r.stderr, "Password: ")
	assert.Contains(t, r.stdout, "Signed in as ada@example.com")
}

func TestLoginWrongPassword(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", false)

	r := e.run(t, "battery staple\n", "login", "--email", ada.Email)
	require.Error(t, r.err)
	assert.Equal(t, "sign-in failed: Invalid email or password", r.err.Error())

	_, err := os.Stat(filepath.Join(e.dir, "credentials.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoginStepUpWithCodeFlag(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", true)

	r := e.run(t, "correct horse\n", "login", "--email", ada.Email, "--code", e.backend.Code(t, ada.Email))
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Verification required for ada@example.com")
	assert.Contains(t, r.stdout, "[OK] Signed in as ada@example.com")

	r = e.run(t, "", "whoami", "--offline")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Verification: enabled")
}

func TestLoginStepUpRetriesInteractively(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", true)
	code := e.backend.Code(t, ada.Email)

	stdin := "correct horse\n" + "123\n" + wrongCode(code) + "\n" + code + "\n"
	r := e.run(t, stdin, "login", "--email", ada.Email)
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, "[WARN] verification code is malformed")
	assert.Contains(t, r.stderr, "[WARN] Invalid verification code")
	assert.Contains(t, r.stdout, "Signed in as ada@example.com")
	assert.Equal(t, 2, e.backend.CallCount("POST /auth/mfa/verify"))
}

func TestLoginStepUpAbandoned(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", true)

	r := e.run(t, "correct horse\n", "login", "--email", ada.Email)
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "no input")
	assert.Equal(t, 0, e.backend.CallCount("POST /auth/mfa/verify"))

	r = e.run(t, "", "whoami", "--offline")
	assert.ErrorIs(t, r.err, credential.ErrNotAuthenticated)
}

func TestRegister(t *testing.T) {
	e := newEnv(t, "")

	r := e.run(t, "longenough\n", "register", "--name", "Grace", "--email", "grace@example.com", "--company", "Navy")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "[OK] Account created, signed in as grace@example.com")
	assert.Contains(t, r.stdout, "Company: Navy (owner)")

	r = e.run(t, "longenough\n", "register", "--name", "Grace", "--email", "grace@example.com")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "Email already registered")
}

func TestRegisterWithoutSession(t *testing.T) {
	e := newEnv(t, "")
	e.backend.OmitRegisterToken(true)

	r := e.run(t, "longenough\n", "register", "--name", "Grace", "--email", "grace@example.com")
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, "authsession login")

	r = e.run(t, "", "whoami", "--offline")
	assert.ErrorIs(t, r.err, credential.ErrNotAuthenticated)
}

func TestRefreshAfterRevocation(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", false)
	require.NoError(t, e.run(t, "correct horse\n", "login", "--email", ada.Email).err)

	r := e.run(t, "", "refresh")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Identity refreshed for ada@example.com")

	e.backend.RevokeAll()
	r = e.run(t, "", "refresh")
	require.Error(t, r.err)
	assert.True(t, api.IsUnauthorized(r.err))
	assert.Contains(t, r.stderr, api.ExpiredMessage)

	r = e.run(t, "", "whoami", "--offline")
	assert.ErrorIs(t, r.err, credential.ErrNotAuthenticated)
}

func TestWhoamiKeepsSessionOnTransientFailure(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", false)
	require.NoError(t, e.run(t, "correct horse\n", "login", "--email", ada.Email).err)

	e.backend.FailMe(http.StatusServiceUnavailable)
	r := e.run(t, "", "whoami")
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, "showing stored copy")
	assert.Contains(t, r.stdout, "ada@example.com")
}

func TestProfile(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", false)

	r := e.run(t, "", "profile", "--name", "Ada L.")
	assert.ErrorIs(t, r.err, credential.ErrNotAuthenticated)

	require.NoError(t, e.run(t, "correct horse\n", "login", "--email", ada.Email).err)

	r = e.run(t, "", "profile")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "nothing to update")

	r = e.run(t, "", "profile", "--name", "Ada L.")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "[OK] Profile updated")
	assert.Contains(t, r.stdout, "Ada L.")
}

func kratosWhoami(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("X-Session-Token") != "ory_st_valid" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 401, "message": "No valid session"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "sess-1",
			"active":     true,
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"identity": map[string]any{
				"id":         "ident-1",
				"schema_id":  "default",
				"schema_url": "http://kratos.test/schemas/default",
				"traits":     map[string]any{"email": "ada@example.com"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStorageCheck(t *testing.T) {
	kratos := kratosWhoami(t)
	e := newEnv(t, fmt.Sprintf("\n[kratos]\npublic_url = %q\n", kratos.URL))
	e.backend.AddUser(t, ada, "correct horse", false)

	r := e.run(t, "", "storage-check")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "storage access denied")
	assert.Contains(t, r.stdout, "Backend:      no")
	assert.Contains(t, r.stdout, "Federated:    no")

	r = e.run(t, "", "storage-check", "--session-token", "ory_st_valid")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Federated:    yes")
	assert.Contains(t, r.stdout, "Principal:    ident-1")

	require.NoError(t, e.run(t, "correct horse\n", "login", "--email", ada.Email).err)
	r = e.run(t, "", "storage-check")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Backend:      yes")
	assert.Contains(t, r.stdout, "Principal:    u1")
	assert.Contains(t, r.stdout, "[OK] Storage access allowed")
}

func TestOAuthRejectsUnknownProvider(t *testing.T) {
	e := newEnv(t, "")
	r := e.run(t, "", "oauth", "nope")
	assert.ErrorIs(t, r.err, federated.ErrUnknownProvider)

	r = e.run(t, "", "oauth", federated.UnifiedNamespace)
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "[kratos] public_url")
}

func TestFlowFilter(t *testing.T) {
	github := flowFilter("github", nil)
	assert.True(t, github(&federated.Flow{Provider: "github"}))
	assert.False(t, github(&federated.Flow{Provider: "other"}))

	kratos := federated.NewKratosSource("http://kratos.test", nil, func() string { return "" })
	unified := flowFilter(federated.UnifiedNamespace, kratos)
	assert.True(t, unified(&federated.Flow{Provider: kratos.Name()}))
	assert.False(t, unified(&federated.Flow{Provider: "github"}))
}

func TestConfigRequired(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--env-file", "", "whoami"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file is required")
}

func TestConfigFromEnvFile(t *testing.T) {
	e := newEnv(t, "")
	e.backend.AddUser(t, ada, "correct horse", false)
	dotenv := filepath.Join(e.dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("CONFIG_FILE="+e.config+"\n"), 0o600))
	t.Setenv("CONFIG_FILE", "")
	os.Unsetenv("CONFIG_FILE")

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("correct horse\n"))
	cmd.SetArgs([]string{"--env-file", dotenv, "--color", "never", "login", "--email", ada.Email})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Signed in as ada@example.com")
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3")
	t.Cleanup(func() { SetVersion("dev") })
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "authsession 1.2.3\n", out.String())
}
