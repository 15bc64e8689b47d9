// Package identity resolves the signed-in user's role and display identity
// from the administrator and member directories.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/directory"
	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrApprovalPending means the user is a member awaiting admin approval.
	// No identity is produced and the session is rejected.
	ErrApprovalPending = errors.New("member approval pending")
	// ErrDirectoriesUnavailable means neither directory could be reached.
	// Callers should retry instead of assuming a default identity.
	ErrDirectoriesUnavailable = errors.New("identity directories unavailable")
)

// DefaultLookupTimeout bounds one resolution independently of its callers.
const DefaultLookupTimeout = 15 * time.Second

// RejectFunc is invoked when a resolution rejects the session.
type RejectFunc func(ctx context.Context, userID string)

// Resolver maps a user id and email to an Identity. Results are cached per
// user id, and concurrent calls for the same user id share one lookup.
type Resolver struct {
	admins  directory.AdminDirectory
	members directory.MemberDirectory
	log     logging.Logger
	timeout time.Duration

	group singleflight.Group

	mu     sync.Mutex
	cache  map[string]*models.Identity
	gen    uint64
	reject RejectFunc
}

func NewResolver(admins directory.AdminDirectory, members directory.MemberDirectory, log logging.Logger) *Resolver {
	return &Resolver{
		admins:  admins,
		members: members,
		log:     log.With("component", "identity"),
		timeout: DefaultLookupTimeout,
		cache:   make(map[string]*models.Identity),
	}
}

// OnReject sets the hook called when an unapproved member is found.
func (r *Resolver) OnReject(fn RejectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject = fn
}

// Reset drops all cached identities. Lookups in flight when Reset is called
// still return to their callers but are not cached.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*models.Identity)
	r.gen++
}

// Cached returns the cached identity for userID, if any.
func (r *Resolver) Cached(userID string) (*models.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.cache[userID]
	if !ok {
		return nil, false
	}
	c := *id
	return &c, true
}

// Resolve returns the identity for userID. It fails with ErrApprovalPending
// for unapproved members and with ErrDirectoriesUnavailable when neither
// directory answered.
func (r *Resolver) Resolve(ctx context.Context, userID, email string) (*models.Identity, error) {
	if id, ok := r.Cached(userID); ok {
		return id, nil
	}

	ch := r.group.DoChan(userID, func() (any, error) {
		if id, ok := r.Cached(userID); ok {
			return id, nil
		}
		r.mu.Lock()
		gen := r.gen
		r.mu.Unlock()

		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		id, cacheable, err := r.lookup(lctx, userID, email)
		if errors.Is(err, ErrApprovalPending) {
			r.rejectSession(lctx, userID)
		}
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if cacheable && gen == r.gen {
			r.cache[userID] = id
		}
		r.mu.Unlock()
		return id, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			r.log.Debug(ctx, "duplicate resolution suppressed", "user_id", userID)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		c := *res.Val.(*models.Identity)
		return &c, nil
	}
}

func (r *Resolver) rejectSession(ctx context.Context, userID string) {
	r.mu.Lock()
	fn := r.reject
	r.mu.Unlock()
	if fn != nil {
		fn(ctx, userID)
	}
}

type lookupResult struct {
	admin     *directory.AdminRecord
	adminErr  error
	member    *directory.MemberRecord
	memberErr error
}

// bothUnavailable reports whether neither directory could be reached.
func (l lookupResult) bothUnavailable() bool {
	return unavailable(l.adminErr) && unavailable(l.memberErr)
}

func (l lookupResult) adminMatched() bool {
	return l.admin != nil && l.adminErr == nil
}

func (l lookupResult) memberMatched() bool {
	return l.member != nil && l.memberErr == nil
}

// degraded reports whether either directory failed for a reason other than
// a miss. Degraded results are not cached.
func (l lookupResult) degraded() bool {
	return failed(l.adminErr) || failed(l.memberErr)
}

// lookup checks the admin directory by id and then by email before a member
// record may decide, so admin precedence holds across both keys.
func (r *Resolver) lookup(ctx context.Context, userID, email string) (*models.Identity, bool, error) {
	byID := r.query(ctx, userID,
		r.admins.AdminByID, r.members.MemberByID)
	if byID.bothUnavailable() {
		return nil, false, ErrDirectoriesUnavailable
	}
	if byID.adminMatched() {
		id, _, err := r.decide(ctx, byID, userID, email)
		return id, !byID.degraded(), err
	}

	if directory.NormalizeEmail(email) == "" {
		if id, matched, err := r.decide(ctx, byID, userID, email); matched {
			return id, !byID.degraded(), err
		}
		r.log.Info(ctx, "user not found in directories, using defaults", "user_id", userID)
		return models.DefaultIdentity(userID, email), !byID.degraded(), nil
	}

	var byEmail lookupResult
	byEmail.admin, byEmail.adminErr = r.admins.AdminByEmail(ctx, email)
	if failed(byEmail.adminErr) {
		r.log.Warn(ctx, "admin directory query failed", "error", byEmail.adminErr)
	}
	if byEmail.adminMatched() {
		id, _, err := r.decide(ctx, byEmail, userID, email)
		return id, !byID.degraded() && !failed(byEmail.adminErr), err
	}

	if byID.memberMatched() {
		id, _, err := r.decide(ctx, byID, userID, email)
		return id, !byID.degraded() && !failed(byEmail.adminErr), err
	}

	byEmail.member, byEmail.memberErr = r.members.MemberByEmail(ctx, email)
	if failed(byEmail.memberErr) {
		r.log.Warn(ctx, "member directory query failed", "error", byEmail.memberErr)
	}
	if byEmail.bothUnavailable() {
		return nil, false, ErrDirectoriesUnavailable
	}
	if id, matched, err := r.decide(ctx, byEmail, userID, email); matched {
		return id, !byID.degraded() && !byEmail.degraded(), err
	}

	r.log.Info(ctx, "user not found in directories, using defaults", "user_id", userID)
	return models.DefaultIdentity(userID, email), !byID.degraded() && !byEmail.degraded(), nil
}

// query runs the admin and member lookups for key concurrently.
func (r *Resolver) query(
	ctx context.Context,
	key string,
	admin func(context.Context, string) (*directory.AdminRecord, error),
	member func(context.Context, string) (*directory.MemberRecord, error),
) lookupResult {
	var res lookupResult
	var g errgroup.Group

	g.Go(func() error {
		res.admin, res.adminErr = admin(ctx, key)
		return nil
	})
	g.Go(func() error {
		res.member, res.memberErr = member(ctx, key)
		return nil
	})
	_ = g.Wait()

	if failed(res.adminErr) {
		r.log.Warn(ctx, "admin directory query failed", "error", res.adminErr)
	}
	if failed(res.memberErr) {
		r.log.Warn(ctx, "member directory query failed", "error", res.memberErr)
	}
	return res
}

// decide applies admin precedence and the approval gate. matched is false
// when neither directory had a record.
func (r *Resolver) decide(ctx context.Context, res lookupResult, userID, email string) (*models.Identity, bool, error) {
	if res.adminMatched() {
		a := res.admin
		name := a.Name
		if name == "" {
			name = models.DefaultAdminName
		}
		return &models.Identity{
			ID:          userID,
			DisplayName: name,
			Email:       firstNonEmpty(a.Email, email),
			Role:        models.RoleAdmin,
		}, true, nil
	}

	if res.memberMatched() {
		m := res.member
		if !m.Approved {
			r.log.Warn(ctx, "member not approved, rejecting session", "user_id", userID)
			return nil, true, ErrApprovalPending
		}
		name := m.Name
		if name == "" {
			name = models.DefaultMemberName
		}
		return &models.Identity{
			ID:             userID,
			DisplayName:    name,
			Email:          firstNonEmpty(m.Email, email),
			Role:           models.RoleMember,
			ApprovalStatus: m.Status,
		}, true, nil
	}

	return nil, false, nil
}

func failed(err error) bool {
	return err != nil && !errors.Is(err, directory.ErrNotFound)
}

func unavailable(err error) bool {
	return errors.Is(err, directory.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
