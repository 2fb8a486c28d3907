// Package postgres stores webhook subscriptions and the delivery log in
// PostgreSQL. Every statement filters on tenant_id.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	libPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/abrkgrbz/Stocker-sub077/resilience/webhook"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	subscriptionColumns = "id, tenant_id, url, secret, to_jsonb(event_types), is_active, created_at"
	deliveryColumns     = "id, tenant_id, subscription_id, event_id, attempted_at, success, response_code, latency_ms, error"
)

var ErrConnectionRequired = errors.New("webhook postgres: connection is required")

// Connection is the subset of *postgres.Client the repository needs.
type Connection interface {
	Primary(ctx context.Context) (*sql.DB, error)
	Resolver(ctx context.Context) (dbresolver.DB, error)
}

// Repository implements webhook.Store.
type Repository struct {
	conn          Connection
	tracer        trace.Tracer
	subscriptions string
	deliveries    string
}

var _ webhook.Store = (*Repository)(nil)

// Option customizes a Repository.
type Option func(*Repository)

// WithTableNames overrides the subscription and delivery tables.
func WithTableNames(subscriptions, deliveries string) Option {
	return func(repo *Repository) {
		if subscriptions != "" {
			repo.subscriptions = subscriptions
		}

		if deliveries != "" {
			repo.deliveries = deliveries
		}
	}
}

// NewRepository builds a Repository over conn.
func NewRepository(conn Connection, opts ...Option) (*Repository, error) {
	if nilcheck.IsNil(conn) {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:          conn,
		tracer:        otel.Tracer("webhook.postgres"),
		subscriptions: "webhook_subscriptions",
		deliveries:    "webhook_deliveries",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	for _, table := range []*string{&repo.subscriptions, &repo.deliveries} {
		if err := libPostgres.ValidateIdentifier(*table); err != nil {
			return nil, err
		}

		*table = libPostgres.QuoteIdentifier(*table)
	}

	return repo, nil
}

// SaveSubscription upserts sub. An existing row of another tenant is never
// overwritten.
func (repo *Repository) SaveSubscription(ctx context.Context, sub *webhook.Subscription) error {
	if sub == nil {
		return webhook.ErrSubscriptionRequired
	}

	tenantID, err := tenant.Require(ctx, "webhook.save_subscription")
	if err != nil {
		return err
	}

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.webhook_save_subscription")
	defer span.End()

	result, err := db.ExecContext(ctx,
		"INSERT INTO "+repo.subscriptions+" (id, tenant_id, url, secret, event_types, is_active, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"ON CONFLICT (id) DO UPDATE SET url = EXCLUDED.url, secret = EXCLUDED.secret, "+
			"event_types = EXCLUDED.event_types, is_active = EXCLUDED.is_active "+
			"WHERE "+repo.subscriptions+".tenant_id = EXCLUDED.tenant_id",
		sub.ID, tenantID, sub.URL, sub.Secret, sub.EventTypes, sub.IsActive, sub.CreatedAt)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to save webhook subscription", err)

		return fmt.Errorf("saving webhook subscription: %w", err)
	}

	if err := libPostgres.EnsureRowsAffected(result); err != nil {
		return fmt.Errorf("saving webhook subscription: %w", webhook.ErrSubscriptionNotFound)
	}

	return nil
}

// GetSubscription implements webhook.Store.
func (repo *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*webhook.Subscription, error) {
	tenantID, err := tenant.Require(ctx, "webhook.get_subscription")
	if err != nil {
		return nil, err
	}

	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := scanSubscription(db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM "+repo.subscriptions+" WHERE tenant_id = $1 AND id = $2",
		tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrSubscriptionNotFound
	}

	return sub, err
}

// ActiveSubscriptions implements webhook.Store.
func (repo *Repository) ActiveSubscriptions(ctx context.Context, eventType string) ([]*webhook.Subscription, error) {
	tenantID, err := tenant.Require(ctx, "webhook.active_subscriptions")
	if err != nil {
		return nil, err
	}

	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.webhook_active_subscriptions")
	defer span.End()

	rows, err := db.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM "+repo.subscriptions+
			" WHERE tenant_id = $1 AND is_active AND ($2 = ANY(event_types) OR $3 = ANY(event_types))"+
			" ORDER BY created_at, id",
		tenantID, eventType, webhook.WildcardEventType)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list webhook subscriptions", err)

		return nil, fmt.Errorf("listing webhook subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]*webhook.Subscription, 0)

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}

		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// RecordDelivery implements webhook.Store.
func (repo *Repository) RecordDelivery(ctx context.Context, delivery *webhook.Delivery) error {
	if delivery == nil {
		return webhook.ErrDeliveryRequired
	}

	tenantID, err := tenant.Require(ctx, "webhook.record_delivery")
	if err != nil {
		return err
	}

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO "+repo.deliveries+" ("+deliveryColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		delivery.ID, tenantID, delivery.SubscriptionID, delivery.EventID, delivery.AttemptedAt,
		delivery.Success, delivery.ResponseCode, delivery.Latency.Milliseconds(), nullString(delivery.Error),
	); err != nil {
		return fmt.Errorf("recording webhook delivery: %w", err)
	}

	return nil
}

// RecentDeliveries implements webhook.Store.
func (repo *Repository) RecentDeliveries(ctx context.Context, limit int) ([]*webhook.Delivery, error) {
	if limit <= 0 {
		return nil, webhook.ErrLimitMustBePositive
	}

	tenantID, err := tenant.Require(ctx, "webhook.recent_deliveries")
	if err != nil {
		return nil, err
	}

	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT "+deliveryColumns+" FROM "+repo.deliveries+
			" WHERE tenant_id = $1 ORDER BY attempted_at DESC, id LIMIT $2",
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing webhook deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := make([]*webhook.Delivery, 0, min(limit, 256))

	for rows.Next() {
		var (
			d         webhook.Delivery
			latencyMS int64
			errText   sql.NullString
		)

		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventID, &d.AttemptedAt,
			&d.Success, &d.ResponseCode, &latencyMS, &errText); err != nil {
			return nil, fmt.Errorf("scanning webhook delivery: %w", err)
		}

		d.Latency = msToDuration(latencyMS)
		d.Error = errText.String
		deliveries = append(deliveries, &d)
	}

	return deliveries, rows.Err()
}

func scanSubscription(scanner libPostgres.Scanner) (*webhook.Subscription, error) {
	var (
		sub        webhook.Subscription
		eventTypes []byte
	)

	if err := scanner.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &eventTypes, &sub.IsActive, &sub.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning webhook subscription: %w", err)
	}

	if err := json.Unmarshal(eventTypes, &sub.EventTypes); err != nil {
		return nil, fmt.Errorf("decoding webhook event types: %w", err)
	}

	return &sub, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
