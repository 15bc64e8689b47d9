package metadata

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// DefaultBucket is the bucket holding all metadata keys.
const DefaultBucket = "metadata"

// BoltRepository implements Repository on a single bbolt bucket.
type BoltRepository struct {
	db     *bbolt.DB
	bucket []byte
}

var _ Repository = (*BoltRepository)(nil)

// NewBoltRepository returns a Repository storing keys in DefaultBucket.
// The bucket is created on first write.
func NewBoltRepository(db *bbolt.DB) *BoltRepository {
	return &BoltRepository{db: db, bucket: []byte(DefaultBucket)}
}

func (r *BoltRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			// bbolt values are only valid for the life of the transaction.
			value = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r *BoltRepository) Set(ctx context.Context, key string, value []byte) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(r.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *BoltRepository) Delete(ctx context.Context, key string) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *BoltRepository) List(ctx context.Context) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte{}, v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	return result, nil
}

func (r *BoltRepository) Clear(ctx context.Context) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(r.bucket) == nil {
			return nil
		}
		return tx.DeleteBucket(r.bucket)
	})
	if err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	return nil
}

// Update runs fn inside one bbolt read-write transaction.
func (r *BoltRepository) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		var current []byte
		if b := tx.Bucket(r.bucket); b != nil {
			if v := b.Get([]byte(key)); v != nil {
				current = append([]byte{}, v...)
			}
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		b, err := tx.CreateBucketIfNotExists(r.bucket)
		if err != nil {
			return fmt.Errorf("failed to update metadata[%s]: %w", key, err)
		}
		return b.Put([]byte(key), next)
	})
}
