package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/dbx"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a pgx-backed *sql.DB for dsn. The connection is established
// lazily, so an unreachable server surfaces as ErrUnavailable on lookup.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

type PostgresAdminDirectory struct {
	db dbx.DBTX
}

var _ AdminDirectory = (*PostgresAdminDirectory)(nil)

func NewPostgresAdminDirectory(db dbx.DBTX) *PostgresAdminDirectory {
	return &PostgresAdminDirectory{db: db}
}

func (d *PostgresAdminDirectory) AdminByID(ctx context.Context, id string) (*AdminRecord, error) {
	query :=
		`SELECT admin_id, admin_name, admin_email, status FROM admin_master
		 WHERE admin_id = $1
		 `
	return d.scan(d.db.QueryRowContext(ctx, query, id))
}

func (d *PostgresAdminDirectory) AdminByEmail(ctx context.Context, email string) (*AdminRecord, error) {
	query :=
		`SELECT admin_id, admin_name, admin_email, status FROM admin_master
		 WHERE lower(admin_email) = $1
		 LIMIT 1
		 `
	return d.scan(d.db.QueryRowContext(ctx, query, NormalizeEmail(email)))
}

func (d *PostgresAdminDirectory) scan(row *sql.Row) (*AdminRecord, error) {
	var (
		rec                 AdminRecord
		name, email, status sql.NullString
	)
	if err := row.Scan(&rec.ID, &name, &email, &status); err != nil {
		return nil, classify(err)
	}
	rec.Name, rec.Email, rec.Status = name.String, email.String, status.String
	return &rec, nil
}

type PostgresMemberDirectory struct {
	db dbx.DBTX
}

var _ MemberDirectory = (*PostgresMemberDirectory)(nil)

func NewPostgresMemberDirectory(db dbx.DBTX) *PostgresMemberDirectory {
	return &PostgresMemberDirectory{db: db}
}

func (d *PostgresMemberDirectory) MemberByID(ctx context.Context, id string) (*MemberRecord, error) {
	query :=
		`SELECT user_id, user_name, email, status, admin_approved FROM user_master
		 WHERE user_id = $1
		 `
	return d.scan(d.db.QueryRowContext(ctx, query, id))
}

func (d *PostgresMemberDirectory) MemberByEmail(ctx context.Context, email string) (*MemberRecord, error) {
	query :=
		`SELECT user_id, user_name, email, status, admin_approved FROM user_master
		 WHERE lower(email) = $1
		 LIMIT 1
		 `
	return d.scan(d.db.QueryRowContext(ctx, query, NormalizeEmail(email)))
}

func (d *PostgresMemberDirectory) scan(row *sql.Row) (*MemberRecord, error) {
	var (
		rec                 MemberRecord
		name, email, status sql.NullString
		approved            sql.NullBool
	)
	if err := row.Scan(&rec.ID, &name, &email, &status, &approved); err != nil {
		return nil, classify(err)
	}
	rec.Name, rec.Email, rec.Status = name.String, email.String, status.String
	rec.Approved = approved.Valid && approved.Bool
	return &rec, nil
}

// NormalizeEmail trims and lower-cases an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// classify maps driver errors onto the package sentinels. Errors reported
// by the server itself (*pgconn.PgError) mean the directory was reachable,
// so they are not ErrUnavailable unless the server is refusing or shedding
// connections.
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCode(pgErr.Code) {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func transientCode(code string) bool {
	return pgerrcode.IsConnectionException(code) ||
		pgerrcode.IsInsufficientResources(code) ||
		code == pgerrcode.AdminShutdown ||
		code == pgerrcode.CrashShutdown ||
		code == pgerrcode.CannotConnectNow
}
