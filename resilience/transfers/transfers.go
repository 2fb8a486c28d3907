// Package transfers counts stock transfers that missed their expected
// arrival. The transfer itself is owned by the inventory module; this package
// only reads it for the health verdict.
package transfers

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	libPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/bxcodec/dbresolver/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConnectionRequired = errors.New("transfers: connection is required")
	ErrStatusesRequired   = errors.New("transfers: at least one open status is required")
)

// Counter reports how many of the current tenant's transfers are overdue.
type Counter interface {
	CountOverdue(ctx context.Context) (int64, error)
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(ctx context.Context) (int64, error)

func (f CounterFunc) CountOverdue(ctx context.Context) (int64, error) { return f(ctx) }

// Connection is the subset of *postgres.Client the counter needs.
type Connection interface {
	Resolver(ctx context.Context) (dbresolver.DB, error)
}

// Config names the transfer table and the columns the count reads.
type Config struct {
	Table        string   `mapstructure:"table"`
	StatusColumn string   `mapstructure:"status_column"`
	DueColumn    string   `mapstructure:"due_column"`
	OpenStatuses []string `mapstructure:"open_statuses"`
	// Grace is added to the due time before a transfer counts as overdue.
	Grace time.Duration `mapstructure:"grace"`
}

// DefaultConfig matches the inventory module's stock_transfers table.
func DefaultConfig() Config {
	return Config{
		Table:        "stock_transfers",
		StatusColumn: "status",
		DueColumn:    "expected_arrival_at",
		OpenStatuses: []string{"pending", "in_transit"},
	}
}

// PostgresCounter counts overdue rows with a tenant-filtered query on a
// read replica when one is configured.
type PostgresCounter struct {
	conn     Connection
	tracer   trace.Tracer
	query    string
	statuses []string
	grace    time.Duration
	now      func() time.Time
}

var _ Counter = (*PostgresCounter)(nil)

// NewPostgresCounter validates cfg and prepares the query. Empty fields fall
// back to DefaultConfig.
func NewPostgresCounter(conn Connection, cfg Config) (*PostgresCounter, error) {
	if nilcheck.IsNil(conn) {
		return nil, ErrConnectionRequired
	}

	defaults := DefaultConfig()

	table := cmp.Or(strings.TrimSpace(cfg.Table), defaults.Table)
	statusColumn := cmp.Or(strings.TrimSpace(cfg.StatusColumn), defaults.StatusColumn)
	dueColumn := cmp.Or(strings.TrimSpace(cfg.DueColumn), defaults.DueColumn)

	for _, ident := range []string{table, statusColumn, dueColumn} {
		if err := libPostgres.ValidateIdentifier(ident); err != nil {
			return nil, err
		}
	}

	statuses := make([]string, 0, len(cfg.OpenStatuses))

	for _, status := range cfg.OpenStatuses {
		if status = strings.TrimSpace(status); status != "" {
			statuses = append(statuses, status)
		}
	}

	if cfg.OpenStatuses == nil {
		statuses = defaults.OpenStatuses
	}

	if len(statuses) == 0 {
		return nil, ErrStatusesRequired
	}

	return &PostgresCounter{
		conn:   conn,
		tracer: otel.Tracer("transfers.postgres"),
		query: "SELECT COUNT(*) FROM " + libPostgres.QuoteIdentifier(table) +
			" WHERE tenant_id = $1 AND " + libPostgres.QuoteIdentifier(statusColumn) + " = ANY($2)" +
			" AND " + libPostgres.QuoteIdentifier(dueColumn) + " < $3",
		statuses: statuses,
		grace:    cfg.Grace,
		now:      time.Now,
	}, nil
}

// CountOverdue implements Counter.
func (c *PostgresCounter) CountOverdue(ctx context.Context) (int64, error) {
	tenantID, err := tenant.Require(ctx, "transfers.count_overdue")
	if err != nil {
		return 0, err
	}

	db, err := c.conn.Resolver(ctx)
	if err != nil {
		return 0, err
	}

	ctx, span := c.tracer.Start(ctx, "postgres.count_overdue_transfers")
	defer span.End()

	var count int64

	cutoff := c.now().UTC().Add(-c.grace)

	if err := db.QueryRowContext(ctx, c.query, tenantID, c.statuses, cutoff).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		libOpentelemetry.HandleSpanError(span, "failed to count overdue transfers", err)

		return 0, fmt.Errorf("counting overdue transfers: %w", err)
	}

	return count, nil
}
