package session

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/identity"
	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/client/provider"
)

type fakeStore struct {
	mu      sync.Mutex
	rec     *models.SessionRecord
	loadErr error
	clears  int
}

func (f *fakeStore) Load(context.Context) (*models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.loadErr
	f.loadErr = nil
	if f.rec == nil {
		return nil, err
	}
	return f.rec.Clone(), err
}

func (f *fakeStore) Save(_ context.Context, rec *models.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = rec.Clone()
	return nil
}

func (f *fakeStore) Mutate(_ context.Context, fn func(r *models.SessionRecord) error) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return false, nil
	}
	return true, fn(f.rec)
}

func (f *fakeStore) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = nil
	f.clears++
	return nil
}

func (f *fakeStore) record() *models.SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return nil
	}
	return f.rec.Clone()
}

type fakeMonitor struct {
	mu        sync.Mutex
	running   bool
	starts    int
	stops     int
	onTimeout func(error)
}

func (f *fakeMonitor) Start(onTimeout func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.starts++
	f.onTimeout = onTimeout
}

func (f *fakeMonitor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeMonitor) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeMonitor) fire(reason error) {
	f.mu.Lock()
	fn := f.onTimeout
	f.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

type resolution struct {
	id  *models.Identity
	err error
}

type fakeResolver struct {
	mu      sync.Mutex
	results map[string]resolution
	gate    chan struct{}
	calls   int
	resets  int
	reject  identity.RejectFunc
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{results: make(map[string]resolution)}
}

func (f *fakeResolver) set(userID string, id *models.Identity, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[userID] = resolution{id: id, err: err}
}

func (f *fakeResolver) Resolve(ctx context.Context, userID, email string) (*models.Identity, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	res, ok := f.results[userID]
	reject := f.reject
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return models.DefaultIdentity(userID, email), nil
	}
	if res.err == identity.ErrApprovalPending && reject != nil {
		reject(ctx, userID)
	}
	if res.id != nil {
		c := *res.id
		return &c, nil
	}
	return nil, res.err
}

func (f *fakeResolver) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeResolver) OnReject(fn identity.RejectFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = fn
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProvider struct {
	mu         sync.Mutex
	current    *models.ProviderSession
	verified   *models.ProviderSession
	verifyErr  error
	signOutErr error
	signOuts   int
	subs       map[int]func(provider.Event)
	next       int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: make(map[int]func(provider.Event))}
}

func (f *fakeProvider) GetCurrentSession(context.Context) (*models.ProviderSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeProvider) SetSession(_ context.Context, accessToken, refreshToken string) (*models.ProviderSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verified, nil
}

func (f *fakeProvider) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.current = nil
	return f.signOutErr
}

func (f *fakeProvider) Subscribe(fn func(provider.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeProvider) emit(ev provider.Event) {
	f.mu.Lock()
	subs := make([]func(provider.Event), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeProvider) signOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOuts
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) has(kind NoticeKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

func (r *noticeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
