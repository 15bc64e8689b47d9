package session

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/client/provider"
)

// Facade is the read-only view of the session used by the UI. SignOut is
// its only command.
type Facade struct {
	s *Synchronizer
}

func (f *Facade) Snapshot() AuthState {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.snapshotLocked()
}

// Identity returns a copy of the resolved identity, or nil.
func (f *Facade) Identity() *models.Identity {
	return f.Snapshot().Identity
}

func (f *Facade) Loading() bool {
	return f.Snapshot().Loading
}

func (f *Facade) IsAdmin() bool {
	return f.Identity().IsAdmin()
}

// Name is the display name, or empty when nobody is signed in.
func (f *Facade) Name() string {
	if id := f.Identity(); id != nil {
		return id.DisplayName
	}
	return ""
}

// Status is the member approval status, or empty.
func (f *Facade) Status() string {
	if id := f.Identity(); id != nil {
		return id.ApprovalStatus
	}
	return ""
}

// Watch returns a channel receiving the current AuthState and then every
// change. Only the latest value is buffered. The channel is closed when ctx
// is done.
func (f *Facade) Watch(ctx context.Context) <-chan AuthState {
	s := f.s
	ch := make(chan AuthState, 1)

	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// SignOut ends the session locally and then at the provider. It is safe to
// call when nobody is signed in.
func (f *Facade) SignOut(ctx context.Context) {
	s := f.s

	s.mu.Lock()
	s.teardown("signed out by user")
	s.publishLocked()
	s.mu.Unlock()

	if err := s.provider.SignOut(ctx); err != nil && !errors.Is(err, provider.ErrNoActiveSession) {
		s.log.Warn(ctx, "provider sign-out failed", "error", err)
	}
	s.notifier.Notify(noticeSignedOut)
}
