package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/identity"
	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/client/provider"
	"github.com/dmitrijs2005/gymportal/internal/client/securestore"
	"github.com/dmitrijs2005/gymportal/internal/logging"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Store is the persisted session record.
type Store interface {
	Load(ctx context.Context) (*models.SessionRecord, error)
	Save(ctx context.Context, rec *models.SessionRecord) error
	Mutate(ctx context.Context, fn func(r *models.SessionRecord) error) (bool, error)
	Clear(ctx context.Context) error
}

// Monitor enforces the inactivity timeout while a session is active.
type Monitor interface {
	Start(onTimeout func(reason error))
	Stop()
}

// Resolver turns a provider session into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, userID, email string) (*models.Identity, error)
	Reset()
	OnReject(fn identity.RejectFunc)
}

type Config struct {
	AbsoluteSessionDuration time.Duration
	ResolveRetryAttempts    uint64
	ResolveRetryDelay       time.Duration
}

type eventKind int

const (
	evBoot eventKind = iota
	evProvider
	evLiveSession
	evVerified
	evResolved
	evRejected
	evTimeout
)

type event struct {
	kind     eventKind
	epoch    uint64
	provider provider.Event
	session  *models.ProviderSession
	identity *models.Identity
	userID   string
	err      error
}

// Synchronizer is the session state machine. All events are handled one at
// a time on its loop goroutine with mu held. Network calls run on separate
// goroutines and report back as events tagged with the epoch they started
// in; results from an older epoch are dropped.
type Synchronizer struct {
	cfg      Config
	store    Store
	monitor  Monitor
	resolver Resolver
	provider provider.Provider
	notifier Notifier
	log      logging.Logger
	now      func() time.Time

	events   chan event
	timeouts chan event
	done     chan struct{}
	wg       sync.WaitGroup

	startOnce   sync.Once
	closeOnce   sync.Once
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	unsubscribe func()

	mu         sync.Mutex
	state      State
	identity   *models.Identity
	loading    bool
	epoch      uint64
	userID     string
	endedUser  string
	slog       logging.Logger
	sessCtx    context.Context
	sessCancel context.CancelFunc
	published  AuthState
	watchers   map[int]chan AuthState
	nextWatch  int
}

type Option func(*Synchronizer)

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(s *Synchronizer) { s.notifier = n }
}

func New(cfg Config, store Store, monitor Monitor, resolver Resolver, prov provider.Provider, log logging.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cfg:      cfg,
		store:    store,
		monitor:  monitor,
		resolver: resolver,
		provider: prov,
		notifier: NotifierFunc(func(Notice) {}),
		log:      log.With("component", "session"),
		now:      time.Now,
		events:   make(chan event),
		timeouts: make(chan event, 1),
		done:     make(chan struct{}),
		loading:  true,
		watchers: make(map[int]chan AuthState),
	}
	for _, o := range opts {
		o(s)
	}
	s.slog = s.log
	s.published = AuthState{Loading: true}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	resolver.OnReject(func(_ context.Context, userID string) {
		s.post(event{kind: evRejected, userID: userID})
	})
	return s
}

// Start subscribes to the provider and performs the cold start. It returns
// immediately; progress is observed through the Facade.
func (s *Synchronizer) Start() {
	s.startOnce.Do(func() {
		s.unsubscribe = s.provider.Subscribe(func(ev provider.Event) {
			s.post(event{kind: evProvider, provider: ev})
		})
		s.wg.Add(1)
		go s.loop()
		s.post(event{kind: evBoot})
	})
}

// Close stops the loop and all background work. The stored record is kept.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.rootCancel()
		close(s.done)

		s.mu.Lock()
		if s.sessCancel != nil {
			s.sessCancel()
		}
		s.mu.Unlock()
		s.monitor.Stop()

		s.wg.Wait()
	})
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synchronizer) Facade() *Facade {
	return &Facade{s: s}
}

func (s *Synchronizer) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
		case ev := <-s.timeouts:
			s.handle(ev)
		}
	}
}

func (s *Synchronizer) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// async runs fn on a tracked goroutine. It is only called from handlers,
// while the loop itself keeps the wait group above zero.
func (s *Synchronizer) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Synchronizer) handle(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := ev.epoch != s.epoch
	switch ev.kind {
	case evBoot:
		s.boot()
	case evProvider:
		s.onProviderEvent(ev.provider)
	case evLiveSession:
		if !stale {
			s.onLiveSession(ev.session, ev.err)
		}
	case evVerified:
		if !stale {
			s.onVerified(ev.session, ev.err)
		}
	case evResolved:
		if !stale {
			s.onResolved(ev.identity, ev.err)
		} else {
			s.log.Debug(s.rootCtx, "discarding stale resolution", "user_id", ev.userID)
		}
	case evRejected:
		s.onRejected(ev.userID)
	case evTimeout:
		if !stale {
			s.onTimeout(ev.err)
		}
	}
	s.publishLocked()
}

func (s *Synchronizer) boot() {
	ctx := s.rootCtx
	rec, err := s.store.Load(ctx)
	s.reportLoadError(err)

	if rec != nil {
		s.restore(rec)
		return
	}

	epoch := s.epoch
	s.async(func() {
		sess, err := s.provider.GetCurrentSession(ctx)
		s.post(event{kind: evLiveSession, epoch: epoch, session: sess, err: err})
	})
}

func (s *Synchronizer) reportLoadError(err error) {
	ctx := s.rootCtx
	switch {
	case err == nil:
	case errors.Is(err, securestore.ErrFingerprintMismatch):
		s.log.Warn(ctx, "stored session belongs to another device")
		s.notifier.Notify(noticeFingerprint)
	case errors.Is(err, securestore.ErrInactive):
		s.log.Info(ctx, "stored session expired by inactivity")
		s.notifier.Notify(noticeInactivity)
	case errors.Is(err, securestore.ErrSessionExpired):
		s.log.Info(ctx, "stored session expired")
	case errors.Is(err, securestore.ErrStorageCorrupt):
		s.log.Warn(ctx, "stored session is corrupt")
	default:
		s.log.Error(ctx, "failed to load stored session", "error", err)
	}
}

// restore resumes a valid stored session. A cached identity is trusted at
// once while the tokens are verified in the background.
func (s *Synchronizer) restore(rec *models.SessionRecord) {
	s.beginSession(rec.UserID)

	if id := rec.CachedIdentity; id != nil && id.ID == rec.UserID {
		c := *id
		s.identity = &c
		s.state = StateAuthenticated
		s.loading = false
		s.startMonitor()
		s.slog.Info(s.sessCtx, "session restored from cache", "role", c.Role)
	} else {
		s.state = StateResolving
		s.resolveAsync(rec.UserID, rec.Email)
	}
	s.verifyAsync(rec.AccessToken, rec.RefreshToken)
}

func (s *Synchronizer) onLiveSession(sess *models.ProviderSession, err error) {
	if err != nil {
		s.log.Warn(s.rootCtx, "could not query provider session", "error", err)
	}
	if sess == nil {
		s.state = StateUnauthenticated
		s.loading = false
		return
	}
	s.adopt(sess)
}

func (s *Synchronizer) onVerified(sess *models.ProviderSession, err error) {
	ctx := s.sessCtx
	switch {
	case err == nil && sess != nil:
		if sess.UserID != s.userID {
			s.slog.Warn(ctx, "provider session belongs to another user")
			s.endSession("verified user mismatch", noticeSessionEnded)
			return
		}
		s.updateTokens(sess, false)
	case errors.Is(err, provider.ErrUnavailable):
		s.slog.Warn(ctx, "could not verify session, keeping it", "error", err)
	default:
		s.slog.Warn(ctx, "session verification failed", "error", err)
		s.teardown("verification failed")
		s.notifier.Notify(noticeSessionEnded)
	}
}

func (s *Synchronizer) onResolved(id *models.Identity, err error) {
	switch {
	case err == nil:
		s.identity = id
		s.state = StateAuthenticated
		s.loading = false
		if _, err := s.store.Mutate(s.sessCtx, func(r *models.SessionRecord) error {
			c := *id
			r.CachedIdentity = &c
			return nil
		}); err != nil {
			s.slog.Error(s.sessCtx, "failed to cache identity", "error", err)
		}
		s.startMonitor()
		s.slog.Info(s.sessCtx, "identity resolved", "role", id.Role)
	case errors.Is(err, identity.ErrApprovalPending):
		s.rejectUnapproved()
	default:
		s.slog.Error(s.sessCtx, "identity resolution failed", "error", err)
		s.suspend()
		s.notifier.Notify(noticeIdentityUnavailable)
	}
}

func (s *Synchronizer) onRejected(userID string) {
	if userID != s.userID {
		return
	}
	if s.state != StateResolving && s.state != StateAuthenticated {
		return
	}
	s.rejectUnapproved()
}

func (s *Synchronizer) rejectUnapproved() {
	s.state = StateUnapproved
	s.notifier.Notify(noticeApproval)
	s.teardown("member approval pending")
	s.signOutProviderAsync()
}

func (s *Synchronizer) onTimeout(reason error) {
	if s.state != StateAuthenticated && s.state != StateResolving {
		return
	}
	s.state = StateExpiring
	switch {
	case errors.Is(reason, securestore.ErrInactive):
		s.notifier.Notify(noticeInactivity)
	case errors.Is(reason, securestore.ErrFingerprintMismatch):
		s.notifier.Notify(noticeFingerprint)
	}
	s.teardown("session timed out")
	s.signOutProviderAsync()
}

func (s *Synchronizer) onProviderEvent(ev provider.Event) {
	ctx := s.rootCtx
	s.log.Debug(ctx, "provider event", "kind", ev.Kind, "state", s.state)

	switch ev.Kind {
	case provider.EventSignedIn:
		sess := ev.Session
		if sess == nil {
			return
		}
		if sess.UserID == s.endedUser {
			s.endedUser = ""
		}
		switch {
		case s.state == StateUnauthenticated:
			s.adopt(sess)
		case sess.UserID != s.userID:
			s.teardown("provider reports a different user")
			s.adopt(sess)
		default:
			// same user: tokens only, the identity does not change
			s.updateTokens(sess, true)
		}

	case provider.EventTokenRefreshed:
		sess := ev.Session
		if sess == nil {
			return
		}
		switch {
		case sess.UserID == s.endedUser:
			// refresh that raced a teardown; only signed_in revives this user
			s.log.Debug(ctx, "dropping refresh for ended session", "user_id", sess.UserID)
		case s.state == StateUnauthenticated:
			s.adopt(sess)
		case sess.UserID != s.userID:
			s.log.Debug(ctx, "dropping refresh for another user", "user_id", sess.UserID)
		default:
			s.updateTokens(sess, true)
		}

	case provider.EventSignedOut:
		if s.state == StateUnauthenticated {
			// a suspended record may still be stored
			if err := s.store.Clear(ctx); err != nil {
				s.log.Error(ctx, "failed to clear stored session", "error", err)
			}
			return
		}
		s.teardown("provider signed out")
		s.notifier.Notify(noticeSessionEnded)

	case provider.EventUserUpdated:
		sess := ev.Session
		if s.state == StateUnauthenticated || sess == nil || sess.UserID != s.userID {
			return
		}
		if _, err := s.store.Mutate(s.sessCtx, func(r *models.SessionRecord) error {
			r.Email = sess.Email
			return nil
		}); err != nil {
			s.slog.Error(s.sessCtx, "failed to update stored email", "error", err)
		}
	}
}

// adopt starts a new session from a provider session: it is persisted at
// once with a fresh absolute expiry and its identity is resolved.
func (s *Synchronizer) adopt(sess *models.ProviderSession) {
	s.beginSession(sess.UserID)

	rec := &models.SessionRecord{
		UserID:         sess.UserID,
		Email:          sess.Email,
		AccessToken:    sess.AccessToken,
		RefreshToken:   sess.RefreshToken,
		AbsoluteExpiry: s.now().Add(s.cfg.AbsoluteSessionDuration).UTC(),
	}
	if err := s.store.Save(s.sessCtx, rec); err != nil {
		s.slog.Error(s.sessCtx, "failed to persist session", "error", err)
	}

	s.state = StateResolving
	s.resolveAsync(sess.UserID, sess.Email)
}

// updateTokens stores tokens from the provider and moves the absolute expiry
// forward. Unless renewed is set, an unchanged token pair is left alone.
func (s *Synchronizer) updateTokens(sess *models.ProviderSession, renewed bool) {
	found, err := s.store.Mutate(s.sessCtx, func(r *models.SessionRecord) error {
		if r.AccessToken == sess.AccessToken && r.RefreshToken == sess.RefreshToken && !renewed {
			return nil
		}
		r.AccessToken = sess.AccessToken
		r.RefreshToken = sess.RefreshToken
		r.AbsoluteExpiry = s.now().Add(s.cfg.AbsoluteSessionDuration).UTC()
		if sess.Email != "" {
			r.Email = sess.Email
		}
		return nil
	})
	if err != nil {
		s.slog.Error(s.sessCtx, "failed to store refreshed tokens", "error", err)
		return
	}
	if !found {
		s.slog.Warn(s.sessCtx, "stored session vanished during refresh")
		s.endSessionSilently("stored session missing")
	}
}

func (s *Synchronizer) resolveAsync(userID, email string) {
	epoch, ctx := s.epoch, s.sessCtx
	s.async(func() {
		b := retry.WithMaxRetries(s.cfg.ResolveRetryAttempts, retry.NewExponential(s.cfg.ResolveRetryDelay))
		id, err := retry.DoValue(ctx, b, func(ctx context.Context) (*models.Identity, error) {
			id, err := s.resolver.Resolve(ctx, userID, email)
			if errors.Is(err, identity.ErrDirectoriesUnavailable) {
				return nil, retry.RetryableError(err)
			}
			return id, err
		})
		s.post(event{kind: evResolved, epoch: epoch, identity: id, userID: userID, err: err})
	})
}

func (s *Synchronizer) verifyAsync(accessToken, refreshToken string) {
	epoch, ctx := s.epoch, s.sessCtx
	s.async(func() {
		sess, err := s.provider.SetSession(ctx, accessToken, refreshToken)
		s.post(event{kind: evVerified, epoch: epoch, session: sess, err: err})
	})
}

func (s *Synchronizer) startMonitor() {
	epoch := s.epoch
	s.monitor.Start(func(reason error) {
		// never block: Stop waits for the goroutine calling this
		select {
		case s.timeouts <- event{kind: evTimeout, epoch: epoch, err: reason}:
		default:
		}
	})
}

func (s *Synchronizer) signOutProviderAsync() {
	s.async(func() {
		err := s.provider.SignOut(s.rootCtx)
		if err != nil && !errors.Is(err, provider.ErrNoActiveSession) {
			s.log.Warn(s.rootCtx, "provider sign-out failed", "error", err)
		}
	})
}

// beginSession opens a new epoch for userID.
func (s *Synchronizer) beginSession(userID string) {
	s.epoch++
	if s.sessCancel != nil {
		s.sessCancel()
	}
	s.sessCtx, s.sessCancel = context.WithCancel(s.rootCtx)
	s.userID = userID
	s.identity = nil
	s.slog = s.log.With("session_id", uuid.NewString(), "user_id", userID)
}

// teardown ends the current session. The stored record is cleared first.
// It is idempotent and always lands in StateUnauthenticated.
func (s *Synchronizer) teardown(reason string) {
	if s.userID != "" {
		s.endedUser = s.userID
	}
	if err := s.store.Clear(s.rootCtx); err != nil {
		s.log.Error(s.rootCtx, "failed to clear stored session", "error", err)
	}
	s.reset()
	s.log.Info(s.rootCtx, "session ended", "reason", reason)
}

// suspend drops the in-memory session but keeps the stored record, so a
// later start or provider event can try again.
func (s *Synchronizer) suspend() {
	s.reset()
}

// endSession tears down, signs out of the provider and raises n.
func (s *Synchronizer) endSession(reason string, n Notice) {
	s.endSessionSilently(reason)
	s.notifier.Notify(n)
}

// endSessionSilently tears down and signs out of the provider without a
// notice.
func (s *Synchronizer) endSessionSilently(reason string) {
	s.teardown(reason)
	s.signOutProviderAsync()
}

func (s *Synchronizer) reset() {
	s.epoch++
	if s.sessCancel != nil {
		s.sessCancel()
		s.sessCancel = nil
	}
	s.sessCtx = s.rootCtx
	s.monitor.Stop()
	s.resolver.Reset()
	s.identity = nil
	s.state = StateUnauthenticated
	s.loading = false
	s.userID = ""
	s.slog = s.log

	select {
	case <-s.timeouts:
	default:
	}
}

func (s *Synchronizer) snapshotLocked() AuthState {
	st := AuthState{Loading: s.loading}
	if s.identity != nil {
		c := *s.identity
		st.Identity = &c
	}
	return st
}

// publishLocked delivers the current AuthState to watchers when it changed.
// Each watcher channel holds only the latest value.
func (s *Synchronizer) publishLocked() {
	st := s.snapshotLocked()
	if equalState(st, s.published) {
		return
	}
	s.published = st
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func equalState(a, b AuthState) bool {
	if a.Loading != b.Loading {
		return false
	}
	if a.Identity == nil || b.Identity == nil {
		return a.Identity == b.Identity
	}
	return *a.Identity == *b.Identity
}
