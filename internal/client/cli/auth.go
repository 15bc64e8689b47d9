package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/client/provider"
	"github.com/dmitrijs2005/gymportal/internal/client/session"
	"github.com/dmitrijs2005/gymportal/internal/common"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

var (
	resolveTimeout = 30 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// Login prompts for email and password and signs in at the identity
// provider. The session layer picks the new session up from the provider's
// signed_in event; Login then waits for the identity to be resolved.
//
// Wrong credentials and an unreachable provider are reported to the user
// and are not returned as errors. The password is wiped before returning.
func (a *App) Login(ctx context.Context) error {
	if id := a.session.Snapshot().Identity; id != nil {
		fmt.Fprintf(a.out, "Already signed in as %s\n", id.DisplayName)
		return nil
	}

	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	sess, err := a.auth.SignInWithPassword(ctx, email, string(password))
	switch {
	case errors.Is(err, provider.ErrRejected):
		fmt.Fprintln(a.out, "Invalid email or password")
		return nil
	case errors.Is(err, provider.ErrUnavailable):
		a.log.Warn(ctx, "identity provider unavailable", "error", err)
		fmt.Fprintln(a.out, "Sign-in service is unavailable, try again later")
		return nil
	case err != nil:
		return err
	}

	id := a.awaitIdentity(ctx, sess.UserID)
	if id == nil {
		// the reason has already been printed as a notice
		return nil
	}
	fmt.Fprintf(a.out, "Signed in as %s (%s)\n", id.DisplayName, id.Role)
	return nil
}

// awaitIdentity polls until the session for userID is resolved, or ends.
func (a *App) awaitIdentity(ctx context.Context, userID string) *models.Identity {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	t := time.NewTicker(pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if id := a.session.Snapshot().Identity; id != nil && id.ID == userID {
			return id
		}
		if a.session.State() == session.StateUnauthenticated {
			return nil
		}
	}
}

// Logout ends the session locally and at the provider.
func (a *App) Logout(ctx context.Context) error {
	a.session.SignOut(ctx)
	return nil
}

// WhoAmI prints the resolved identity.
func (a *App) WhoAmI(_ context.Context) error {
	id := a.session.Snapshot().Identity
	if id == nil {
		fmt.Fprintln(a.out, "Not signed in")
		return nil
	}
	fmt.Fprintf(a.out, "ID:     %s\n", id.ID)
	fmt.Fprintf(a.out, "Name:   %s\n", id.DisplayName)
	fmt.Fprintf(a.out, "Email:  %s\n", id.Email)
	fmt.Fprintf(a.out, "Role:   %s\n", id.Role)
	if id.ApprovalStatus != "" {
		fmt.Fprintf(a.out, "Status: %s\n", id.ApprovalStatus)
	}
	return nil
}

// Status prints the session state.
func (a *App) Status(_ context.Context) error {
	st := a.session.Snapshot()
	fmt.Fprintf(a.out, "Session: %s\n", a.session.State())
	if st.Loading {
		fmt.Fprintln(a.out, "Loading: yes")
	}
	if st.Identity != nil {
		fmt.Fprintf(a.out, "Admin:   %t\n", st.Identity.IsAdmin())
	}
	return nil
}
