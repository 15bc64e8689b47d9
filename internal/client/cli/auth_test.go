package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/activity"
	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/client/provider"
	"github.com/dmitrijs2005/gymportal/internal/client/session"
	"github.com/dmitrijs2005/gymportal/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubInputs(t *testing.T, email string, password []byte) {
	t.Helper()
	origST, origGP := getSimpleText, getPassword
	getSimpleText = func(_ *bufio.Reader, _ string, _ io.Writer) (string, error) { return email, nil }
	getPassword = func(_ io.Writer) ([]byte, error) { return password, nil }
	t.Cleanup(func() {
		getSimpleText = origST
		getPassword = origGP
	})
}

func fastPolling(t *testing.T) {
	t.Helper()
	origTimeout, origPoll := resolveTimeout, pollInterval
	resolveTimeout, pollInterval = 500*time.Millisecond, time.Millisecond
	t.Cleanup(func() { resolveTimeout, pollInterval = origTimeout, origPoll })
}

// fakeSession resolves the user on sign-in unless reject is set.
type fakeSession struct {
	mu       sync.Mutex
	state    session.State
	identity *models.Identity
	signOuts int
	started  bool
	closed   bool
}

func (f *fakeSession) Start() { f.mu.Lock(); f.started = true; f.mu.Unlock() }
func (f *fakeSession) Close() { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Snapshot() session.AuthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.AuthState{Identity: f.identity}
}

func (f *fakeSession) Watch(ctx context.Context) <-chan session.AuthState {
	ch := make(chan session.AuthState, 1)
	ch <- f.Snapshot()
	close(ch)
	return ch
}

func (f *fakeSession) SignOut(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.identity = nil
	f.state = session.StateUnauthenticated
}

func (f *fakeSession) set(state session.State, id *models.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.identity = state, id
}

type fakeAuthenticator struct {
	email, password string
	sess            *models.ProviderSession
	err             error
	onSignIn        func()
}

func (f *fakeAuthenticator) SignInWithPassword(_ context.Context, email, password string) (*models.ProviderSession, error) {
	f.email, f.password = email, password
	if f.err != nil {
		return nil, f.err
	}
	if f.onSignIn != nil {
		f.onSignIn()
	}
	return f.sess, nil
}

func newTestApp(s *fakeSession, auth *fakeAuthenticator) (*App, *bytes.Buffer) {
	var out bytes.Buffer
	return &App{
		log:      logging.NewNop(),
		session:  s,
		auth:     auth,
		activity: activity.NewBus(),
		reader:   rdr(""),
		out:      &out,
	}, &out
}

func TestLogin_Success(t *testing.T) {
	fastPolling(t)
	stubInputs(t, "sam@example.com", []byte("secret"))

	s := &fakeSession{}
	auth := &fakeAuthenticator{sess: &models.ProviderSession{UserID: "u1"}}
	auth.onSignIn = func() {
		s.set(session.StateAuthenticated, &models.Identity{ID: "u1", DisplayName: "Sam", Role: models.RoleMember})
	}
	a, out := newTestApp(s, auth)

	require.NoError(t, a.Login(context.Background()))
	assert.Equal(t, "sam@example.com", auth.email)
	assert.Equal(t, "secret", auth.password)
	assert.Contains(t, out.String(), "Signed in as Sam (member)")
}

func TestLogin_SessionEndsDuringResolution(t *testing.T) {
	fastPolling(t)
	stubInputs(t, "new@example.com", []byte("pw"))

	s := &fakeSession{}
	auth := &fakeAuthenticator{sess: &models.ProviderSession{UserID: "u2"}}
	a, out := newTestApp(s, auth)

	require.NoError(t, a.Login(context.Background()))
	assert.NotContains(t, out.String(), "Signed in")
}

func TestLogin_WrongPassword(t *testing.T) {
	stubInputs(t, "sam@example.com", []byte("bad"))

	auth := &fakeAuthenticator{err: provider.ErrRejected}
	a, out := newTestApp(&fakeSession{}, auth)

	require.NoError(t, a.Login(context.Background()))
	assert.Contains(t, out.String(), "Invalid email or password")
}

func TestLogin_ProviderUnavailable(t *testing.T) {
	stubInputs(t, "sam@example.com", []byte("pw"))

	auth := &fakeAuthenticator{err: provider.ErrUnavailable}
	a, out := newTestApp(&fakeSession{}, auth)

	require.NoError(t, a.Login(context.Background()))
	assert.Contains(t, out.String(), "unavailable")
}

func TestLogin_OtherErrorPropagates(t *testing.T) {
	stubInputs(t, "sam@example.com", []byte("pw"))

	auth := &fakeAuthenticator{err: errors.New("boom")}
	a, _ := newTestApp(&fakeSession{}, auth)

	require.Error(t, a.Login(context.Background()))
}

func TestLogin_AlreadySignedIn(t *testing.T) {
	s := &fakeSession{state: session.StateAuthenticated, identity: &models.Identity{ID: "u1", DisplayName: "Sam"}}
	auth := &fakeAuthenticator{}
	a, out := newTestApp(s, auth)

	require.NoError(t, a.Login(context.Background()))
	assert.Empty(t, auth.email)
	assert.Contains(t, out.String(), "Already signed in as Sam")
}

func TestLogout(t *testing.T) {
	s := &fakeSession{state: session.StateAuthenticated, identity: &models.Identity{ID: "u1"}}
	a, _ := newTestApp(s, &fakeAuthenticator{})

	require.NoError(t, a.Logout(context.Background()))
	assert.Equal(t, 1, s.signOuts)
	assert.False(t, a.isLoggedIn())
}

func TestWhoAmI(t *testing.T) {
	s := &fakeSession{state: session.StateAuthenticated, identity: &models.Identity{
		ID: "u1", DisplayName: "Sam", Email: "sam@example.com", Role: models.RoleMember, ApprovalStatus: "approved",
	}}
	a, out := newTestApp(s, &fakeAuthenticator{})

	require.NoError(t, a.WhoAmI(context.Background()))
	assert.Contains(t, out.String(), "Name:   Sam")
	assert.Contains(t, out.String(), "Status: approved")

	s.SignOut(context.Background())
	out.Reset()
	require.NoError(t, a.WhoAmI(context.Background()))
	assert.Equal(t, "Not signed in\n", out.String())
}

func TestStatusAndPrompt(t *testing.T) {
	s := &fakeSession{state: session.StateAuthenticated, identity: &models.Identity{ID: "a1", DisplayName: "Boss", Role: models.RoleAdmin}}
	a, out := newTestApp(s, &fakeAuthenticator{})

	require.NoError(t, a.Status(context.Background()))
	assert.Contains(t, out.String(), "Session: authenticated")
	assert.Contains(t, out.String(), "Admin:   true")
	assert.Equal(t, "gym (admin:Boss)> ", a.prompt())

	s.SignOut(context.Background())
	assert.Equal(t, "gym> ", a.prompt())
}

func TestTouchEmitsKeySignal(t *testing.T) {
	a, _ := newTestApp(&fakeSession{}, &fakeAuthenticator{})

	var got []activity.Signal
	unsubscribe := a.activity.Subscribe(func(s activity.Signal) { got = append(got, s) })
	defer unsubscribe()

	a.touch()
	assert.Equal(t, []activity.Signal{activity.SignalKey}, got)
}

func TestRun_StartsSessionAndCloses(t *testing.T) {
	capturePrint(t)

	s := &fakeSession{identity: &models.Identity{ID: "u1", DisplayName: "Sam"}}
	a, out := newTestApp(s, &fakeAuthenticator{})
	a.reader = rdr("exit\n")
	a.onClose(s.Close)

	a.Run(context.Background())

	assert.True(t, s.started)
	assert.True(t, s.closed)
	assert.Contains(t, out.String(), "Welcome back, Sam")
}
