//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/postgrestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsIdempotent(t *testing.T) {
	client := postgrestest.Start(t)
	ctx := context.Background()

	require.NoError(t, client.Migrate(ctx))
	require.NoError(t, client.Ping(ctx))

	db, err := client.Primary(ctx)
	require.NoError(t, err)

	for _, table := range []string{"retry_entries", "retry_queue_counters", "outbox_messages", "webhook_subscriptions", "webhook_deliveries"} {
		var exists bool

		err := db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}

	resolver, err := client.Resolver(ctx)
	require.NoError(t, err)
	require.NoError(t, resolver.PingContext(ctx))
}
