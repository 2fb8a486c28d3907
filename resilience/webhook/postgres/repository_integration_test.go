//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/postgrestest"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/abrkgrbz/Stocker-sub077/resilience/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositorySubscriptionsAndDeliveries(t *testing.T) {
	client := postgrestest.Start(t)

	repo, err := NewRepository(client)
	require.NoError(t, err)

	ctxA := tenant.ContextWithID(context.Background(), "tenant-a")
	ctxB := tenant.ContextWithID(context.Background(), "tenant-b")
	now := time.Now().UTC().Truncate(time.Millisecond)

	stock := &webhook.Subscription{
		ID:         uuid.New(),
		URL:        "https://example.test/stock",
		Secret:     "0123456789abcdef",
		EventTypes: []string{"stock.adjusted", "stock.reserved"},
		IsActive:   true,
		CreatedAt:  now,
	}
	all := &webhook.Subscription{
		ID:         uuid.New(),
		URL:        "https://example.test/all",
		Secret:     "0123456789abcdef",
		EventTypes: []string{webhook.WildcardEventType},
		IsActive:   true,
		CreatedAt:  now.Add(time.Second),
	}
	paused := &webhook.Subscription{
		ID:         uuid.New(),
		URL:        "https://example.test/paused",
		Secret:     "0123456789abcdef",
		EventTypes: []string{"stock.adjusted"},
		CreatedAt:  now.Add(2 * time.Second),
	}

	for _, sub := range []*webhook.Subscription{stock, all, paused} {
		require.NoError(t, repo.SaveSubscription(ctxA, sub))
	}

	got, err := repo.GetSubscription(ctxA, stock.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, stock.EventTypes, got.EventTypes)

	_, err = repo.GetSubscription(ctxB, stock.ID)
	require.ErrorIs(t, err, webhook.ErrSubscriptionNotFound)

	require.ErrorIs(t, repo.SaveSubscription(ctxB, stock), webhook.ErrSubscriptionNotFound)

	active, err := repo.ActiveSubscriptions(ctxA, "stock.adjusted")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, stock.ID, active[0].ID)
	assert.Equal(t, all.ID, active[1].ID)

	active, err = repo.ActiveSubscriptions(ctxA, "transfer.created")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, all.ID, active[0].ID)

	eventID := uuid.New()

	require.NoError(t, repo.RecordDelivery(ctxA, &webhook.Delivery{
		ID: uuid.New(), SubscriptionID: stock.ID, EventID: eventID,
		AttemptedAt: now, ResponseCode: 503, Latency: 40 * time.Millisecond,
		Error: "webhook: endpoint returned non-2xx status",
	}))
	require.NoError(t, repo.RecordDelivery(ctxA, &webhook.Delivery{
		ID: uuid.New(), SubscriptionID: stock.ID, EventID: eventID,
		AttemptedAt: now.Add(time.Minute), Success: true, ResponseCode: 200, Latency: 12 * time.Millisecond,
	}))

	recent, err := repo.RecentDeliveries(ctxA, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Success)
	assert.Empty(t, recent[0].Error)
	assert.Equal(t, 12*time.Millisecond, recent[0].Latency)
	assert.False(t, recent[1].Success)
	assert.Equal(t, 503, recent[1].ResponseCode)

	recent, err = repo.RecentDeliveries(ctxB, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
