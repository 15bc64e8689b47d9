// Package session owns the client's authentication lifecycle. The
// Synchronizer reacts to identity provider events, the locally stored
// record and the activity monitor, and publishes the result through a
// read-only Facade.
package session

import "github.com/dmitrijs2005/gymportal/internal/client/models"

// State is a lifecycle state of the synchronizer.
type State int

const (
	StateUnauthenticated State = iota
	StateResolving
	StateAuthenticated
	// StateExpiring is held while a timed-out session is torn down.
	StateExpiring
	// StateUnapproved is held while an unapproved member's session is torn
	// down.
	StateUnapproved
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateResolving:
		return "resolving"
	case StateAuthenticated:
		return "authenticated"
	case StateExpiring:
		return "expiring"
	case StateUnapproved:
		return "unapproved"
	default:
		return "unknown"
	}
}

// AuthState is what the rest of the application observes.
type AuthState struct {
	Identity *models.Identity
	// Loading is true only until the first decision after a cold start.
	Loading bool
}
