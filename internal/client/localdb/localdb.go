// Package localdb opens the client's local database and wraps it in the
// metadata key-value repository.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/localdb/migrations"
	"github.com/dmitrijs2005/gymportal/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gymportal/internal/filex"
	"github.com/pressly/goose/v3"
	"go.etcd.io/bbolt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store bundles the opened key-value repository with its closer.
type Store struct {
	Metadata metadata.Repository
	io.Closer
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.Migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// InitDatabase opens (creating when needed) the SQLite file at dsn and
// brings its schema up to date.
func InitDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// OpenBolt opens the bbolt file at path.
func OpenBolt(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return db, nil
}

// Open opens the store for backend ("sqlite" or "bolt") at path.
func Open(ctx context.Context, backend, path string) (*Store, error) {
	if _, err := filex.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	switch backend {
	case "sqlite":
		db, err := InitDatabase(ctx, path)
		if err != nil {
			return nil, err
		}
		return &Store{Metadata: metadata.NewSQLiteRepository(db), Closer: db}, nil
	case "bolt":
		db, err := OpenBolt(path)
		if err != nil {
			return nil, err
		}
		return &Store{Metadata: metadata.NewBoltRepository(db), Closer: db}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
