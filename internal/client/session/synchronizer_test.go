package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/identity"
	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/client/provider"
	"github.com/dmitrijs2005/gymportal/internal/client/securestore"
	"github.com/dmitrijs2005/gymportal/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	store    *fakeStore
	monitor  *fakeMonitor
	resolver *fakeResolver
	provider *fakeProvider
	notices  *noticeRecorder
	clock    *clock
	sync     *Synchronizer
	facade   *Facade
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		store:    &fakeStore{},
		monitor:  &fakeMonitor{},
		resolver: newFakeResolver(),
		provider: newFakeProvider(),
		notices:  &noticeRecorder{},
		clock:    &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	cfg := Config{
		AbsoluteSessionDuration: 24 * time.Hour,
		ResolveRetryAttempts:    2,
		ResolveRetryDelay:       time.Millisecond,
	}
	h.sync = New(cfg, h.store, h.monitor, h.resolver, h.provider, logging.NewNop(),
		WithClock(h.clock.Now), WithNotifier(h.notices))
	h.facade = h.sync.Facade()
	h.sync.Start()
	t.Cleanup(h.sync.Close)
}

func (h *harness) waitSettled(t *testing.T) AuthState {
	t.Helper()
	require.Eventually(t, func() bool { return !h.facade.Loading() }, waitFor, tick)
	return h.facade.Snapshot()
}

func (h *harness) waitIdentity(t *testing.T, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		id := h.facade.Identity()
		return id != nil && id.ID == userID
	}, waitFor, tick)
}

func cachedRecord(userID string, id *models.Identity) *models.SessionRecord {
	return &models.SessionRecord{
		UserID:         userID,
		Email:          userID + "@example.com",
		AccessToken:    "at-" + userID,
		RefreshToken:   "rt-" + userID,
		AbsoluteExpiry: time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC),
		CachedIdentity: id,
	}
}

func liveSession(userID string) *models.ProviderSession {
	return &models.ProviderSession{
		UserID:       userID,
		Email:        userID + "@example.com",
		AccessToken:  "at-" + userID,
		RefreshToken: "rt-" + userID,
	}
}

func TestSynchronizer_InitialStateIsLoading(t *testing.T) {
	h := newHarness(t)
	s := New(Config{}, h.store, h.monitor, h.resolver, h.provider, logging.NewNop())

	st := s.Facade().Snapshot()
	assert.True(t, st.Loading)
	assert.Nil(t, st.Identity)
	assert.Equal(t, StateUnauthenticated, s.State())
}

func TestSynchronizer_ColdStartTrustsCachedIdentity(t *testing.T) {
	h := newHarness(t)
	admin := &models.Identity{ID: "u1", DisplayName: "Boss", Role: models.RoleAdmin}
	h.store.rec = cachedRecord("u1", admin)
	h.provider.verified = liveSession("u1")

	h.start(t)

	st := h.waitSettled(t)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "Boss", st.Identity.DisplayName)
	assert.True(t, h.facade.IsAdmin())
	assert.Equal(t, StateAuthenticated, h.sync.State())
	assert.True(t, h.monitor.isRunning())
	assert.Zero(t, h.resolver.callCount())
}

func TestSynchronizer_CachedIdentityForOtherUserIsResolvedAgain(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "someone-else", Role: models.RoleAdmin})
	h.provider.verified = liveSession("u1")

	h.start(t)

	h.waitIdentity(t, "u1")
	assert.Equal(t, 1, h.resolver.callCount())
	assert.False(t, h.facade.IsAdmin())
}

func TestSynchronizer_NoRecordAdoptsProviderSession(t *testing.T) {
	h := newHarness(t)
	h.provider.current = liveSession("u1")
	h.resolver.set("u1", &models.Identity{ID: "u1", DisplayName: "Sam", Role: models.RoleMember, ApprovalStatus: "approved"}, nil)

	h.start(t)

	h.waitIdentity(t, "u1")
	assert.False(t, h.facade.Loading())
	assert.Equal(t, "Sam", h.facade.Name())
	assert.Equal(t, "approved", h.facade.Status())

	rec := h.store.record()
	require.NotNil(t, rec)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "at-u1", rec.AccessToken)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), rec.AbsoluteExpiry)
	require.Eventually(t, func() bool {
		r := h.store.record()
		return r != nil && r.CachedIdentity != nil
	}, waitFor, tick)
	assert.True(t, h.monitor.isRunning())
}

func TestSynchronizer_NoSessionSettlesUnauthenticated(t *testing.T) {
	h := newHarness(t)

	h.start(t)

	st := h.waitSettled(t)
	assert.Nil(t, st.Identity)
	assert.Equal(t, StateUnauthenticated, h.sync.State())
	assert.Zero(t, h.resolver.callCount())
	assert.Zero(t, h.notices.count())
}

func TestSynchronizer_UnapprovedMemberIsSignedOut(t *testing.T) {
	h := newHarness(t)
	h.provider.current = liveSession("u2")
	h.resolver.set("u2", nil, identity.ErrApprovalPending)

	h.start(t)

	require.Eventually(t, func() bool { return h.notices.has(NoticeApprovalPending) }, waitFor, tick)
	require.Eventually(t, func() bool { return h.provider.signOutCount() >= 1 }, waitFor, tick)

	st := h.facade.Snapshot()
	assert.Nil(t, st.Identity)
	assert.False(t, st.Loading)
	assert.Nil(t, h.store.record())
	assert.Equal(t, StateUnauthenticated, h.sync.State())
}

func TestSynchronizer_SignOutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", DisplayName: "Sam", Role: models.RoleMember})
	h.provider.verified = liveSession("u1")
	h.provider.signOutErr = provider.ErrNoActiveSession

	h.start(t)
	h.waitIdentity(t, "u1")

	h.facade.SignOut(context.Background())

	st := h.facade.Snapshot()
	assert.Nil(t, st.Identity)
	assert.False(t, st.Loading)
	assert.Nil(t, h.store.record())
	assert.True(t, h.notices.has(NoticeSignedOut))
	assert.False(t, h.monitor.isRunning())

	require.NotPanics(t, func() { h.facade.SignOut(context.Background()) })
	assert.Nil(t, h.facade.Identity())
}

func TestSynchronizer_SignOutDiscardsInFlightResolution(t *testing.T) {
	h := newHarness(t)
	h.provider.current = liveSession("u1")
	h.resolver.gate = make(chan struct{})

	h.start(t)
	require.Eventually(t, func() bool { return h.resolver.callCount() == 1 }, waitFor, tick)

	h.facade.SignOut(context.Background())
	close(h.resolver.gate)

	assert.Never(t, func() bool { return h.facade.Identity() != nil }, 100*time.Millisecond, tick)
	assert.Equal(t, StateUnauthenticated, h.sync.State())
}

func TestSynchronizer_TokenRefreshDoesNotResolveAgain(t *testing.T) {
	h := newHarness(t)
	h.provider.current = liveSession("u1")

	h.start(t)
	h.waitIdentity(t, "u1")
	require.Equal(t, 1, h.resolver.callCount())

	h.clock.Advance(time.Hour)
	refreshed := liveSession("u1")
	refreshed.AccessToken = "at-new"
	refreshed.RefreshToken = "rt-new"
	h.provider.emit(provider.Event{Kind: provider.EventTokenRefreshed, Session: refreshed})

	require.Eventually(t, func() bool {
		r := h.store.record()
		return r != nil && r.AccessToken == "at-new"
	}, waitFor, tick)
	rec := h.store.record()
	assert.Equal(t, "rt-new", rec.RefreshToken)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), rec.AbsoluteExpiry)
	assert.Equal(t, 1, h.resolver.callCount())
	assert.Equal(t, StateAuthenticated, h.sync.State())
}

func TestSynchronizer_SignedInForAnotherUserReplacesSession(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", Role: models.RoleMember})
	h.provider.verified = liveSession("u1")
	h.resolver.set("u9", &models.Identity{ID: "u9", DisplayName: "Nine", Role: models.RoleAdmin}, nil)

	h.start(t)
	h.waitIdentity(t, "u1")

	h.provider.emit(provider.Event{Kind: provider.EventSignedIn, Session: liveSession("u9")})

	h.waitIdentity(t, "u9")
	assert.True(t, h.facade.IsAdmin())
	rec := h.store.record()
	require.NotNil(t, rec)
	assert.Equal(t, "u9", rec.UserID)
}

func TestSynchronizer_InactivityTimeout(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", Role: models.RoleMember})
	h.provider.verified = liveSession("u1")

	h.start(t)
	h.waitIdentity(t, "u1")

	h.monitor.fire(securestore.ErrInactive)

	require.Eventually(t, func() bool { return h.facade.Identity() == nil }, waitFor, tick)
	assert.True(t, h.notices.has(NoticeInactivityExpired))
	assert.False(t, h.facade.Loading())
	require.Eventually(t, func() bool { return h.provider.signOutCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateUnauthenticated, h.sync.State())
}

func TestSynchronizer_AbsoluteExpiryIsSilent(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", Role: models.RoleMember})
	h.provider.verified = liveSession("u1")

	h.start(t)
	h.waitIdentity(t, "u1")

	h.monitor.fire(securestore.ErrSessionExpired)

	require.Eventually(t, func() bool { return h.facade.Identity() == nil }, waitFor, tick)
	assert.Zero(t, h.notices.count())
}

func TestSynchronizer_FingerprintMismatchRaisesWarning(t *testing.T) {
	h := newHarness(t)
	h.store.loadErr = securestore.ErrFingerprintMismatch

	h.start(t)

	st := h.waitSettled(t)
	assert.Nil(t, st.Identity)
	assert.True(t, h.notices.has(NoticeFingerprintMismatch))
}

func TestSynchronizer_VerificationRejectedTearsDown(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", Role: models.RoleMember})
	h.provider.verifyErr = provider.ErrRejected

	h.start(t)

	require.Eventually(t, func() bool { return h.store.record() == nil }, waitFor, tick)
	assert.Nil(t, h.facade.Identity())
	assert.False(t, h.facade.Loading())
}

func TestSynchronizer_VerificationUnavailableKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", Role: models.RoleMember})
	h.provider.verifyErr = provider.ErrUnavailable

	h.start(t)
	h.waitIdentity(t, "u1")

	assert.Never(t, func() bool { return h.facade.Identity() == nil }, 100*time.Millisecond, tick)
	assert.NotNil(t, h.store.record())
}

func TestSynchronizer_DirectoriesDownRetriesThenGivesUp(t *testing.T) {
	h := newHarness(t)
	h.provider.current = liveSession("u1")
	h.resolver.set("u1", nil, identity.ErrDirectoriesUnavailable)

	h.start(t)

	require.Eventually(t, func() bool { return h.notices.has(NoticeIdentityUnavailable) }, waitFor, tick)
	st := h.facade.Snapshot()
	assert.Nil(t, st.Identity)
	assert.False(t, st.Loading)
	assert.Equal(t, 3, h.resolver.callCount())
	assert.NotNil(t, h.store.record(), "record is kept for a later retry")
}

func TestSynchronizer_ProviderSignedOutEndsSession(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", Role: models.RoleMember})
	h.provider.verified = liveSession("u1")

	h.start(t)
	h.waitIdentity(t, "u1")

	h.provider.emit(provider.Event{Kind: provider.EventSignedOut})

	require.Eventually(t, func() bool { return h.facade.Identity() == nil }, waitFor, tick)
	assert.Nil(t, h.store.record())
	assert.True(t, h.notices.has(NoticeSignedOut))
}

func TestSynchronizer_UserUpdatedChangesStoredEmail(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", Role: models.RoleMember})
	h.provider.verified = liveSession("u1")

	h.start(t)
	h.waitIdentity(t, "u1")

	updated := liveSession("u1")
	updated.Email = "new@example.com"
	h.provider.emit(provider.Event{Kind: provider.EventUserUpdated, Session: updated})

	require.Eventually(t, func() bool {
		r := h.store.record()
		return r != nil && r.Email == "new@example.com"
	}, waitFor, tick)
	assert.Zero(t, h.resolver.callCount())
}

func TestSynchronizer_LoadingNeverReturns(t *testing.T) {
	h := newHarness(t)
	h.provider.current = liveSession("u1")
	h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := h.facade.Watch(ctx)

	var (
		mu     sync.Mutex
		states []AuthState
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for st := range updates {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		}
	}()

	h.waitIdentity(t, "u1")
	refreshed := liveSession("u1")
	refreshed.AccessToken = "at-2"
	h.provider.emit(provider.Event{Kind: provider.EventTokenRefreshed, Session: refreshed})
	h.facade.SignOut(context.Background())
	h.provider.emit(provider.Event{Kind: provider.EventSignedIn, Session: liveSession("u1")})
	h.waitIdentity(t, "u1")

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	settled := false
	for _, st := range states {
		if !st.Loading {
			settled = true
			continue
		}
		assert.False(t, settled, "loading became true again")
	}
	assert.True(t, settled)
}

func TestFacade_WatchDeliversCurrentState(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.waitSettled(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := h.facade.Watch(ctx)

	select {
	case st := <-ch:
		assert.False(t, st.Loading)
		assert.Nil(t, st.Identity)
	case <-time.After(waitFor):
		t.Fatal("no initial state")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, waitFor, tick)
}

func TestFacade_EmptyHelpers(t *testing.T) {
	h := newHarness(t)
	f := New(Config{}, h.store, h.monitor, h.resolver, h.provider, logging.NewNop()).Facade()

	assert.False(t, f.IsAdmin())
	assert.Empty(t, f.Name())
	assert.Empty(t, f.Status())
}

func TestSynchronizer_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.waitSettled(t)

	h.sync.Close()
	require.NotPanics(t, h.sync.Close)
}

// settle returns once every previously emitted provider event was handled.
func (h *harness) settle() {
	h.provider.emit(provider.Event{Kind: provider.EventUserUpdated, Session: liveSession("nobody")})
}

func TestSynchronizer_RefreshAfterTeardownIsDropped(t *testing.T) {
	tests := []struct {
		name     string
		teardown func(h *harness)
	}{
		{
			name:     "inactivity timeout",
			teardown: func(h *harness) { h.monitor.fire(securestore.ErrInactive) },
		},
		{
			name:     "user sign-out",
			teardown: func(h *harness) { h.facade.SignOut(context.Background()) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", DisplayName: "Sam", Role: models.RoleMember})
			h.provider.verified = liveSession("u1")
			h.resolver.set("u1", &models.Identity{ID: "u1", DisplayName: "Sam", Role: models.RoleMember}, nil)

			h.start(t)
			h.waitIdentity(t, "u1")

			tt.teardown(h)
			require.Eventually(t, func() bool { return h.facade.Identity() == nil }, waitFor, tick)

			refreshed := liveSession("u1")
			refreshed.AccessToken = "at-late"
			h.provider.emit(provider.Event{Kind: provider.EventTokenRefreshed, Session: refreshed})
			h.provider.emit(provider.Event{Kind: provider.EventSignedOut})
			h.settle()

			assert.Nil(t, h.facade.Identity())
			assert.Nil(t, h.store.record())
			assert.Zero(t, h.resolver.callCount())
			assert.Equal(t, StateUnauthenticated, h.sync.State())

			// an explicit sign-in still starts a new session
			h.provider.emit(provider.Event{Kind: provider.EventSignedIn, Session: liveSession("u1")})
			h.waitIdentity(t, "u1")
			assert.NotNil(t, h.store.record())
		})
	}
}

func TestSynchronizer_RefreshForAnotherUserIsDropped(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", DisplayName: "Sam", Role: models.RoleMember})
	h.provider.verified = liveSession("u1")

	h.start(t)
	h.waitIdentity(t, "u1")

	h.provider.emit(provider.Event{Kind: provider.EventTokenRefreshed, Session: liveSession("u2")})
	h.settle()

	id := h.facade.Identity()
	require.NotNil(t, id)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, "u1", h.store.record().UserID)
	assert.Zero(t, h.resolver.callCount())
}

func TestSynchronizer_MissingRecordOnRefreshEndsSilently(t *testing.T) {
	h := newHarness(t)
	h.store.rec = cachedRecord("u1", &models.Identity{ID: "u1", Role: models.RoleMember})
	h.provider.verified = liveSession("u1")

	h.start(t)
	h.waitIdentity(t, "u1")

	require.NoError(t, h.store.Clear(context.Background()))
	h.provider.emit(provider.Event{Kind: provider.EventSignedIn, Session: liveSession("u1")})

	require.Eventually(t, func() bool { return h.facade.Identity() == nil }, waitFor, tick)
	require.Eventually(t, func() bool { return h.provider.signOutCount() == 1 }, waitFor, tick)
	assert.Zero(t, h.notices.count())
}
