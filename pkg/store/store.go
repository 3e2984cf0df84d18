// Package store persists the city, video, pedestrian and analytics tables on
// SQLite (default) or PostgreSQL through one sqlx code path.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// UnknownCountry is the placeholder stored for rows whose country is not yet
// known. Enrichment treats it as missing.
const UnknownCountry = "Unknown"

// Dialect selects DDL and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store wraps the database handle.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// Open connects to the database and creates missing tables.
// driver is "sqlite" or "postgres"; for sqlite the DSN is a file path.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		db      *sqlx.DB
		err     error
		dialect Dialect
	)
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		dialect = SQLite
		db, err = sqlx.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// One connection keeps :memory: databases coherent and avoids
			// SQLITE_BUSY between the batch writer and its own reads.
			db.SetMaxOpenConns(1)
		}
	case "postgres", "postgresql", "pgx":
		dialect = Postgres
		db, err = sqlx.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	const pragmas = "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports the backing database kind.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w\n%s", err, stmt)
		}
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// count runs a SELECT COUNT(*) style query.
func (s *Store) count(ctx context.Context, q string, args ...any) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(q), args...); err != nil {
		return 0, err
	}
	return n, nil
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
