package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gymportal/internal/client/directory/migrations"
	"github.com/pressly/goose/v3"
)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations creates the admin_master and user_master tables when they
// are missing. It is meant for development databases; production
// directories are owned by the portal backend.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to migrate directory schema: %w", err)
	}
	return nil
}
