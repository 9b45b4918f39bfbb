// Package postgres implements the backend.Backend contract against
// PostgreSQL. Every state-changing operation is a single guarded SQL
// statement; atomicity is structural rather than multi-statement
// transactions, except the claim query which composes three CTEs in one
// statement.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	"github.com/openworkflowdev/openworkflow-go/migrations"
	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

var schemaNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var _ backend.Backend = (*Backend)(nil)

// Config configures the connection pool backing a Backend. DSN is the only
// required field; the rest default to values suited to a horizontally
// scaled fleet of worker processes sharing one database.
type Config struct {
	DSN string

	// Schema is the Postgres schema (namespace) tables live under.
	Schema string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Schema == "" {
		out.Schema = "openworkflow"
	}
	if out.MaxOpenConns == 0 {
		out.MaxOpenConns = 25
	}
	if out.MaxIdleConns == 0 {
		out.MaxIdleConns = 10
	}
	if out.ConnMaxLifetime == 0 {
		out.ConnMaxLifetime = 5 * time.Minute
	}
	if out.ConnMaxIdleTime == 0 {
		out.ConnMaxIdleTime = 2 * time.Minute
	}
	return out
}

// Backend is a backend.Backend implementation backed by a *sql.DB talking
// to PostgreSQL via lib/pq.
type Backend struct {
	db     *sql.DB
	schema string
}

// New opens a connection pool to cfg.DSN and configures it. It does not
// run migrations; call Migrate explicitly.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	cfg = cfg.withDefaults()
	if !schemaNameRe.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("postgres: invalid schema name %q", cfg.Schema)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, cfg.Schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}

	return &Backend{db: db, schema: cfg.Schema}, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// table returns the schema-qualified name of a table owned by this backend.
func (b *Backend) table(name string) string {
	return b.schema + "." + name
}

// Migrate applies every not-yet-applied migration in migrations/postgres,
// tracked in a `_migrations(version)` table.
func (b *Backend) Migrate(ctx context.Context) error {
	tracking := b.table("_migrations")

	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, tracking)); err != nil {
		return fmt.Errorf("postgres: create migrations table: %w", err)
	}

	var current int
	if err := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s`, tracking)).Scan(&current); err != nil {
		return fmt.Errorf("postgres: read current migration version: %w", err)
	}

	blocks, err := migrations.Postgres()
	if err != nil {
		return fmt.Errorf("postgres: load migrations: %w", err)
	}

	for _, blk := range blocks {
		if blk.Version <= current {
			continue
		}
		query := regexp.MustCompile(`\{\{schema\}\}`).ReplaceAllString(blk.SQL, b.schema)
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("postgres: begin migration %d: %w", blk.Version, err)
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			tx.Rollback()
			return fmt.Errorf("postgres: apply migration %d: %w", blk.Version, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, tracking), blk.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("postgres: record migration %d: %w", blk.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("postgres: commit migration %d: %w", blk.Version, err)
		}
	}
	return nil
}
