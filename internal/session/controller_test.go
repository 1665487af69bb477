package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wadahiro/authsession/internal/api"
	"github.com/wadahiro/authsession/internal/authtest"
	"github.com/wadahiro/authsession/internal/challenge"
	"github.com/wadahiro/authsession/internal/credential"
	"github.com/wadahiro/authsession/internal/nav"
)

var ada = credential.Identity{ID: "u1", Email: "ada@example.com", Name: "Ada", Role: "admin"}

type fixture struct {
	backend    *authtest.Backend
	store      *credential.Store
	durable    *credential.MemoryBackend
	tracker    *nav.Tracker
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := authtest.NewBackend(t)
	durable := credential.NewMemoryBackend()
	store := credential.NewStore(durable, nil)
	tracker := nav.NewTracker(nav.SurfaceLogin)
	client, err := api.New(api.Options{
		BaseURL:    backend.URL(),
		HTTPClient: backend.Server.Client(),
		Store:      store,
		Navigator:  tracker,
	})
	require.NoError(t, err)
	return &fixture{
		backend:    backend,
		store:      store,
		durable:    durable,
		tracker:    tracker,
		controller: NewController(client, store, DefaultEndpoints(), nil),
	}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	f.backend.AddUser(t, ada, "correct horse", false)
	_, err := f.controller.Login(context.Background(), ada.Email, "correct horse")
	require.NoError(t, err)
}

func TestLoginFinalizes(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(t, ada, "correct horse", false)

	var snaps []credential.Snapshot
	f.store.Subscribe(func(s credential.Snapshot) { snaps = append(snaps, s) })

	res, err := f.controller.Login(context.Background(), ada.Email, "correct horse")
	require.NoError(t, err)
	assert.False(t, res.ChallengeRequired())
	require.NotNil(t, res.Identity)
	assert.Equal(t, "u1", res.Identity.ID)

	assert.True(t, f.store.Authenticated())
	assert.Equal(t, AttemptFinalized, f.controller.Attempt())
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Authenticated())

	// Persisted durably as a pair.
	rec, err := f.durable.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.store.Token().Value, rec.Token)
	assert.NotEmpty(t, rec.User)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(t, ada, "correct horse", false)

	_, err := f.controller.Login(context.Background(), ada.Email, "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.Contains(t, err.Error(), "Invalid email or password")
	assert.False(t, f.store.Authenticated())
	assert.Equal(t, AttemptFailed, f.controller.Attempt())
	// A rejected login is not an expired session.
	assert.Empty(t, f.tracker.Events())
}

func TestLoginChallengeLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(t, ada, "correct horse", true)

	changed := false
	f.store.Subscribe(func(credential.Snapshot) { changed = true })

	res, err := f.controller.Login(context.Background(), ada.Email, "correct horse")
	require.NoError(t, err)
	require.True(t, res.ChallengeRequired())
	assert.Nil(t, res.Identity)
	assert.Equal(t, ada.Email, res.Challenge.Email)

	assert.False(t, f.store.Authenticated())
	assert.False(t, changed)
	assert.Equal(t, AttemptChallengeRequired, f.controller.Attempt())
}

func TestChallengeVerifyFinalizes(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(t, ada, "correct horse", true)
	challenges := challenge.NewController(f.controller, 0, nil)

	res, err := f.controller.Login(context.Background(), ada.Email, "correct horse")
	require.NoError(t, err)
	challenges.Begin(res.Challenge)

	// A wrong code keeps the ticket live and the store empty.
	code := f.backend.Code(t, ada.Email)
	_, err = challenges.Verify(context.Background(), wrongCode(code))
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.NotNil(t, challenges.Pending())
	assert.False(t, f.store.Authenticated())

	identity, err := challenges.Verify(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.ID)
	assert.True(t, identity.MFAEnabled)
	assert.Nil(t, challenges.Pending())
	assert.True(t, f.store.Authenticated())
	assert.Equal(t, AttemptFinalized, f.controller.Attempt())
}

// wrongCode shifts every digit so the result never equals code.
func wrongCode(code string) string {
	b := []byte(code)
	for i := range b {
		b[i] = '0' + (b[i]-'0'+5)%10
	}
	return string(b)
}

func TestVerifyChallengeRequiresTicket(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.VerifyChallenge(context.Background(), nil, "123456")
	assert.True(t, errors.Is(err, challenge.ErrNoPendingChallenge))
	assert.Zero(t, f.backend.CallCount("POST /auth/mfa/verify"))
}

func TestFinalizeFederated(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(t, ada, "correct horse", false)
	f.backend.AddFederatedToken("github", "gh-token", ada.Email)

	res, err := f.controller.FinalizeFederated(context.Background(), "github", "gh-token")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Identity.ID)
	assert.True(t, f.store.Authenticated())

	_, err = f.controller.FinalizeFederated(context.Background(), "github", "forged")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	// The failed attempt leaves the earlier session in place.
	assert.True(t, f.store.Authenticated())
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	res, err := f.controller.Register(context.Background(), RegisterRequest{
		Name:        "Grace",
		Email:       "grace@example.com",
		Password:    "longenough",
		CompanyName: "Navy",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "grace@example.com", res.Identity.Email)
	assert.Equal(t, "Navy", res.Identity.CompanyName)
	assert.Equal(t, "owner", res.Identity.CompanyRole)
	assert.True(t, f.store.Authenticated())
}

func TestRegisterWithoutSessionData(t *testing.T) {
	f := newFixture(t)
	f.backend.OmitRegisterToken(true)

	res, err := f.controller.Register(context.Background(), RegisterRequest{
		Name: "Grace", Email: "grace@example.com", Password: "longenough",
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, f.store.Authenticated())
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.Register(context.Background(), RegisterRequest{Name: "Grace", Email: "not-an-email", Password: "short"})
	require.Error(t, err)
	assert.Zero(t, f.backend.CallCount("POST /auth/register"))
}

func TestRegisterConflict(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(t, ada, "correct horse", false)
	_, err := f.controller.Register(context.Background(), RegisterRequest{
		Name: "Ada", Email: ada.Email, Password: "longenough",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, api.StatusCode(err))
	assert.Equal(t, "Email already registered", err.Error())
}

func TestRefreshIdentity(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	token := f.store.Token()

	identity, err := f.controller.RefreshIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada", identity.Name)
	assert.Equal(t, token, f.store.Token())
}

func TestRefreshIdentityUnauthorizedClears(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.tracker.Navigate(nav.SurfaceHome, "")
	f.backend.RevokeAll()

	_, err := f.controller.RefreshIdentity(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsUnauthorized(err))
	assert.False(t, f.store.Authenticated())
	last, ok := f.tracker.Last()
	require.True(t, ok)
	assert.Equal(t, nav.SurfaceLogin, last.To)
}

func TestRefreshIdentityTransientFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	before := f.store.Snapshot()
	f.backend.FailMe(http.StatusInternalServerError)

	_, err := f.controller.RefreshIdentity(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsTransient(err))
	assert.Equal(t, before, f.store.Snapshot())
}

func TestRefreshIdentityLoggedOut(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.RefreshIdentity(context.Background())
	assert.True(t, errors.Is(err, credential.ErrNotAuthenticated))
}

func TestRefreshIdentityConcurrent(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.controller.RefreshIdentity(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, f.backend.CallCount("GET /auth/me"), 1)
	assert.True(t, f.store.Authenticated())
}

func TestUpdateProfileKeepsToken(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	token := f.store.Token()

	name := "Ada Lovelace"
	identity, err := f.controller.UpdateProfile(context.Background(), ProfileUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", identity.Name)
	assert.Equal(t, "admin", identity.Role)
	assert.Equal(t, token, f.store.Token())
	assert.Equal(t, "Ada Lovelace", f.store.Identity().Name)
}

func TestUpdateProfileRequiresSession(t *testing.T) {
	f := newFixture(t)
	name := "x"
	_, err := f.controller.UpdateProfile(context.Background(), ProfileUpdate{Name: &name})
	assert.True(t, errors.Is(err, credential.ErrNotAuthenticated))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	require.NoError(t, f.controller.Logout(context.Background()))
	assert.False(t, f.store.Authenticated())
	assert.Equal(t, 1, f.backend.CallCount("POST /auth/logout"))

	rec, err := f.durable.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.Token)
	assert.Empty(t, rec.User)

	// Idempotent: a second logout makes no server call and still succeeds.
	require.NoError(t, f.controller.Logout(context.Background()))
	assert.False(t, f.store.Authenticated())
	assert.Equal(t, 1, f.backend.CallCount("POST /auth/logout"))
	assert.Equal(t, AttemptIdle, f.controller.Attempt())
}

func TestLogoutClearsWhenServerFails(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.FailLogout(http.StatusBadGateway)

	require.NoError(t, f.controller.Logout(context.Background()))
	assert.False(t, f.store.Authenticated())
}

func TestLogoutUnauthorizedDoesNotReportExpiry(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.tracker.Navigate(nav.SurfaceHome, "")
	f.backend.FailLogout(http.StatusUnauthorized)

	require.NoError(t, f.controller.Logout(context.Background()))
	assert.False(t, f.store.Authenticated())
	assert.Equal(t, 1, f.backend.CallCount("POST /auth/logout"))
	for _, ev := range f.tracker.Events() {
		assert.NotEqual(t, api.ExpiredMessage, ev.Message)
	}
	assert.Equal(t, nav.SurfaceHome, f.tracker.Current())
}

func TestLogoutClearsWhenContextCanceled(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.controller.Logout(ctx))
	assert.False(t, f.store.Authenticated())
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	token := f.store.Token()

	// A fresh store over the same durable state, as after a restart.
	store := credential.NewStore(f.durable, nil)
	client, err := api.New(api.Options{BaseURL: f.backend.URL(), HTTPClient: f.backend.Server.Client(), Store: store})
	require.NoError(t, err)
	controller := NewController(client, store, DefaultEndpoints(), nil)

	done, err := controller.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, done)
	// Provisionally authenticated before the refresh finishes.
	assert.True(t, store.Authenticated())
	assert.Equal(t, token, store.Token())

	require.NoError(t, <-done)
	assert.True(t, store.Authenticated())
}

func TestRestoreRevokedSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.RevokeAll()

	store := credential.NewStore(f.durable, nil)
	client, err := api.New(api.Options{BaseURL: f.backend.URL(), HTTPClient: f.backend.Server.Client(), Store: store})
	require.NoError(t, err)
	controller := NewController(client, store, DefaultEndpoints(), nil)

	done, err := controller.Restore(context.Background())
	require.NoError(t, err)
	err = <-done
	assert.True(t, api.IsUnauthorized(err))
	assert.False(t, store.Authenticated())
}

func TestRestoreNothingPersisted(t *testing.T) {
	f := newFixture(t)
	done, err := f.controller.Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, done)
	assert.False(t, f.store.Authenticated())
}
