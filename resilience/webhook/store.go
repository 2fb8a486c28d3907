package webhook

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/google/uuid"
)

// Store persists subscriptions and the delivery log. Every method is scoped
// to the tenant in ctx.
type Store interface {
	SaveSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ActiveSubscriptions(ctx context.Context, eventType string) ([]*Subscription, error)
	RecordDelivery(ctx context.Context, delivery *Delivery) error
	RecentDeliveries(ctx context.Context, limit int) ([]*Delivery, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]map[uuid.UUID]*Subscription
	deliveries    map[string][]*Delivery
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]map[uuid.UUID]*Subscription),
		deliveries:    make(map[string][]*Delivery),
	}
}

// SaveSubscription inserts or replaces sub.
func (s *MemoryStore) SaveSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return ErrSubscriptionRequired
	}

	tenantID, err := tenant.Require(ctx, "webhook.save_subscription")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.subscriptions[tenantID]
	if !ok {
		bucket = make(map[uuid.UUID]*Subscription)
		s.subscriptions[tenantID] = bucket
	}

	cp := sub.Clone()
	cp.TenantID = tenantID
	bucket[cp.ID] = cp

	return nil
}

// GetSubscription returns a copy of the subscription with id.
func (s *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	tenantID, err := tenant.Require(ctx, "webhook.get_subscription")
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[tenantID][id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}

	return sub.Clone(), nil
}

// ActiveSubscriptions returns active subscriptions matching eventType,
// oldest first.
func (s *MemoryStore) ActiveSubscriptions(ctx context.Context, eventType string) ([]*Subscription, error) {
	tenantID, err := tenant.Require(ctx, "webhook.active_subscriptions")
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription

	for _, sub := range s.subscriptions[tenantID] {
		if sub.Matches(eventType) {
			out = append(out, sub.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	return out, nil
}

// RecordDelivery appends delivery to the tenant's log.
func (s *MemoryStore) RecordDelivery(ctx context.Context, delivery *Delivery) error {
	if delivery == nil {
		return ErrDeliveryRequired
	}

	tenantID, err := tenant.Require(ctx, "webhook.record_delivery")
	if err != nil {
		return err
	}

	cp := *delivery
	cp.TenantID = tenantID

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries[tenantID] = append(s.deliveries[tenantID], &cp)

	return nil
}

// RecentDeliveries returns up to limit deliveries, most recent first.
func (s *MemoryStore) RecentDeliveries(ctx context.Context, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	tenantID, err := tenant.Require(ctx, "webhook.recent_deliveries")
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries := s.deliveries[tenantID]
	out := make([]*Delivery, 0, min(limit, len(entries)))

	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *entries[i]
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	// Appends arrive in completion order; concurrent attempts may finish out
	// of order, so sort by attempt time.
	slices.SortStableFunc(out, func(a, b *Delivery) int {
		return b.AttemptedAt.Compare(a.AttemptedAt)
	})

	return out, nil
}
