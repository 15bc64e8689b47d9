// Package provider is the client side of the remote identity provider:
// sign-in, session verification and refresh, sign-out, and a stream of
// session events.
package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/dmitrijs2005/gymportal/internal/client/models"
)

var (
	// ErrNoActiveSession is returned by SignOut when nobody is signed in.
	ErrNoActiveSession = errors.New("no active session")
	// ErrUnavailable means the provider could not be reached or failed
	// on its side. The operation may succeed later.
	ErrUnavailable = errors.New("identity provider unavailable")
	// ErrRejected means the provider refused the credentials or tokens.
	ErrRejected = errors.New("identity provider rejected credentials")
)

type EventKind string

const (
	EventSignedIn       EventKind = "signed_in"
	EventSignedOut      EventKind = "signed_out"
	EventTokenRefreshed EventKind = "token_refreshed"
	EventUserUpdated    EventKind = "user_updated"
)

// Event is a change of the provider's session. Session is nil for
// EventSignedOut.
type Event struct {
	Kind    EventKind
	Session *models.ProviderSession
}

// Provider is the identity provider as seen by the session layer.
type Provider interface {
	// GetCurrentSession returns the live session or nil.
	GetCurrentSession(ctx context.Context) (*models.ProviderSession, error)
	// SetSession verifies the given tokens, refreshing them when the access
	// token is no longer accepted, and adopts the result as the live session.
	SetSession(ctx context.Context, accessToken, refreshToken string) (*models.ProviderSession, error)
	// SignOut ends the live session. It returns ErrNoActiveSession when there
	// is none.
	SignOut(ctx context.Context) error
	// Subscribe registers fn for session events and returns a function that
	// removes it. fn is called on the provider's goroutines.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// PasswordAuthenticator signs a user in with email and password.
type PasswordAuthenticator interface {
	SignInWithPassword(ctx context.Context, email, password string) (*models.ProviderSession, error)
}

// subscribers is the event fan-out shared by provider implementations.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// emit calls every subscriber outside the lock.
func (s *subscribers) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		if ev.Session != nil {
			c := *ev.Session
			fn(Event{Kind: ev.Kind, Session: &c})
			continue
		}
		fn(ev)
	}
}
