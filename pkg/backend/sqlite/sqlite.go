// Package sqlite implements the backend.Backend contract against SQLite via
// the pure-Go modernc.org/sqlite driver. SQLite serializes writers, so the
// pool is capped at a single connection and the claim sequence runs inside
// one transaction rather than relying on row-level locking.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openworkflowdev/openworkflow-go/migrations"
	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

var _ backend.Backend = (*Backend)(nil)

// Config configures a SQLite-backed Backend.
type Config struct {
	// Path is the database file path, or ":memory:" for an in-process
	// ephemeral database.
	Path string

	// WAL enables write-ahead logging for concurrent readers.
	WAL bool
}

// Backend is a backend.Backend implementation backed by SQLite.
type Backend struct {
	db *sql.DB
}

// New opens cfg.Path, configures pragmas, and returns a Backend. Call
// Migrate explicitly before first use.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// SQLite allows only one writer; a single connection makes the pool
	// itself the serialization point instead of relying on SQLITE_BUSY
	// retries across connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Migrate applies every not-yet-applied migration in migrations/sqlite,
// tracked in a `_migrations(version)` table.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("sqlite: create migrations table: %w", err)
	}

	var current int
	if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM _migrations`).Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read current migration version: %w", err)
	}

	blocks, err := migrations.SQLite()
	if err != nil {
		return fmt.Errorf("sqlite: load migrations: %w", err)
	}

	for _, blk := range blocks {
		if blk.Version <= current {
			continue
		}
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", blk.Version, err)
		}
		if _, err := tx.ExecContext(ctx, blk.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: apply migration %d: %w", blk.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO _migrations (version, applied_at) VALUES (?, ?)`, blk.Version, nowString()); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: record migration %d: %w", blk.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", blk.Version, err)
		}
	}
	return nil
}

// timeLayout formats timestamps so that lexicographic string ordering
// matches chronological ordering, which cursor pagination and the claim
// query's ORDER BY depend on.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nowString() string {
	return formatTime(time.Now())
}
