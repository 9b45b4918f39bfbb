// Package testutil provides reusable testing utilities for database tests.
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//		ctx := context.Background()
//		b, cleanup := testutil.SetupPostgresBackend(ctx, t)
//		defer cleanup()
//
//		// Your test code here...
//	}
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	ourpostgres "github.com/openworkflowdev/openworkflow-go/pkg/backend/postgres"
)

// SetupPostgresContainer starts a PostgreSQL test container and returns a
// connection string alongside a cleanup function.
func SetupPostgresContainer(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	cleanup := func() {
		_ = pgContainer.Terminate(ctx)
	}
	return connStr, cleanup
}

// SetupPostgresBackend starts a PostgreSQL test container, opens a Backend
// against it, and applies migrations. The returned cleanup function closes
// the Backend and terminates the container.
func SetupPostgresBackend(ctx context.Context, t *testing.T) (*ourpostgres.Backend, func()) {
	t.Helper()

	connStr, terminate := SetupPostgresContainer(ctx, t)

	b, err := ourpostgres.New(ctx, ourpostgres.Config{DSN: connStr})
	require.NoError(t, err, "failed to open backend")

	require.NoError(t, b.Migrate(ctx), "failed to apply migrations")

	cleanup := func() {
		_ = b.Close()
		terminate()
	}
	return b, cleanup
}
