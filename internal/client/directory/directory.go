// Package directory looks up administrators and members in the portal's
// Postgres database (tables admin_master and user_master).
package directory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the directory has no matching record.
	ErrNotFound = errors.New("directory record not found")
	// ErrUnavailable means the directory could not be reached. Lookups that
	// fail with it may succeed when retried.
	ErrUnavailable = errors.New("directory unavailable")
)

type AdminRecord struct {
	ID     string
	Name   string
	Email  string
	Status string
}

type MemberRecord struct {
	ID       string
	Name     string
	Email    string
	Status   string
	Approved bool
}

// AdminDirectory looks up administrator records. Lookups return ErrNotFound
// when nothing matches.
type AdminDirectory interface {
	AdminByID(ctx context.Context, id string) (*AdminRecord, error)
	AdminByEmail(ctx context.Context, email string) (*AdminRecord, error)
}

// MemberDirectory looks up member records. Lookups return ErrNotFound when
// nothing matches.
type MemberDirectory interface {
	MemberByID(ctx context.Context, id string) (*MemberRecord, error)
	MemberByEmail(ctx context.Context, email string) (*MemberRecord, error)
}
