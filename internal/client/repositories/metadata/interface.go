// Package metadata is the client's persistent key-value store. It is scoped
// to one device profile (a single local database file) and holds opaque
// byte values under string keys.
package metadata

import (
	"context"
)

// UpdateFunc receives the current value for a key (nil when absent) and
// returns the value to store. Returning a nil value leaves the key untouched.
type UpdateFunc func(current []byte) ([]byte, error)

type Repository interface {
	// Get returns (nil, nil) when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
	// Update performs an atomic read-modify-write of a single key.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}
