//go:build integration

// Package postgrestest starts a throwaway PostgreSQL container with the
// resilience schema applied.
package postgrestest

import (
	"context"
	"testing"
	"time"

	libPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Start runs postgres:16-alpine, connects a client and migrates it. The
// container and client are released when t ends.
func Start(t *testing.T) *libPostgres.Client {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("resilience"),
		tcpostgres.WithUsername("resilience"),
		tcpostgres.WithPassword("resilience"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := libPostgres.New(libPostgres.Config{PrimaryDSN: dsn})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))

	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("close postgres client: %v", err)
		}
	})

	require.NoError(t, client.Migrate(ctx))

	return client
}
