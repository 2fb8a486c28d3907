// Package postgres stores retry queue entries in PostgreSQL.
//
// Claims use a single UPDATE over a FOR UPDATE SKIP LOCKED sub-select, so
// concurrent workers on any number of replicas never receive the same entry.
// Every statement filters on tenant_id.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	libPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/retryqueue"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const entryColumns = "id, tenant_id, operation_key, payload, attempt_count, max_attempts, next_attempt_at, status, last_error, created_at, updated_at"

var (
	// ErrConnectionRequired indicates a nil Connection.
	ErrConnectionRequired = errors.New("retryqueue postgres: connection is required")
	// ErrLimitMustBePositive indicates a non-positive batch limit.
	ErrLimitMustBePositive = errors.New("retryqueue postgres: limit must be greater than zero")
)

// Connection is the subset of *postgres.Client the repository needs.
type Connection interface {
	Primary(ctx context.Context) (*sql.DB, error)
	Resolver(ctx context.Context) (dbresolver.DB, error)
}

// Option customizes a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if !nilcheck.IsNil(logger) {
			repo.logger = logger
		}
	}
}

// WithTableNames overrides the entry and counter tables.
func WithTableNames(entries, counters string) Option {
	return func(repo *Repository) {
		repo.entriesTable = entries
		repo.countersTable = counters
	}
}

// Repository implements retryqueue.Store.
type Repository struct {
	conn          Connection
	logger        log.Logger
	tracer        trace.Tracer
	entriesTable  string
	countersTable string
}

var _ retryqueue.Store = (*Repository)(nil)

// NewRepository builds a Repository over conn.
func NewRepository(conn Connection, opts ...Option) (*Repository, error) {
	if nilcheck.IsNil(conn) {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:          conn,
		logger:        log.NewNop(),
		tracer:        otel.Tracer("retryqueue.postgres"),
		entriesTable:  "retry_entries",
		countersTable: "retry_queue_counters",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	for _, table := range []string{repo.entriesTable, repo.countersTable} {
		if err := libPostgres.ValidateIdentifier(table); err != nil {
			return nil, err
		}
	}

	repo.entriesTable = libPostgres.QuoteIdentifier(repo.entriesTable)
	repo.countersTable = libPostgres.QuoteIdentifier(repo.countersTable)

	return repo, nil
}

// Insert stores entry and bumps the tenant's lifetime enqueue counter in the
// same transaction.
func (repo *Repository) Insert(ctx context.Context, entry *retryqueue.Entry) error {
	tenantID, err := tenant.Require(ctx, "retryqueue.insert")
	if err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.retry_entry_insert")
	defer span.End()

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return err
	}

	err = libPostgres.InTx(ctx, db, func(tx *sql.Tx) error {
		insert := "INSERT INTO " + repo.entriesTable + " (" + entryColumns + ") " +
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

		if _, err := tx.ExecContext(ctx, insert,
			entry.ID, tenantID, entry.OperationKey, entry.Payload, entry.AttemptCount, entry.MaxAttempts,
			entry.NextAttemptAt, string(entry.Status), nullString(entry.LastError), entry.CreatedAt, entry.UpdatedAt,
		); err != nil {
			return fmt.Errorf("inserting retry entry: %w", err)
		}

		counter := "INSERT INTO " + repo.countersTable + " AS c (tenant_id, total_enqueued) VALUES ($1, 1) " +
			"ON CONFLICT (tenant_id) DO UPDATE SET total_enqueued = c.total_enqueued + 1"

		if _, err := tx.ExecContext(ctx, counter, tenantID); err != nil {
			return fmt.Errorf("incrementing enqueue counter: %w", err)
		}

		return nil
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to insert retry entry", err)

		return err
	}

	return nil
}

// Claim implements retryqueue.Store.
func (repo *Repository) Claim(ctx context.Context, now time.Time, limit int) ([]*retryqueue.Entry, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	tenantID, err := tenant.Require(ctx, "retryqueue.claim")
	if err != nil {
		return nil, err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.retry_entry_claim")
	defer span.End()

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	query := "UPDATE " + repo.entriesTable + " SET status = $1, updated_at = $2 " +
		"WHERE id IN (SELECT id FROM " + repo.entriesTable +
		" WHERE tenant_id = $3 AND status = $4 AND next_attempt_at <= $2" +
		" ORDER BY next_attempt_at ASC, created_at ASC LIMIT $5 FOR UPDATE SKIP LOCKED)" +
		" AND tenant_id = $3 AND status = $4 RETURNING " + entryColumns

	entries, err := queryEntries(ctx, db, query,
		string(retryqueue.StatusProcessing), now, tenantID, string(retryqueue.StatusPending), limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to claim retry entries", err)
		repo.logger.Log(ctx, log.LevelError, "failed to claim retry entries", log.Err(err))

		return nil, fmt.Errorf("claiming retry entries: %w", err)
	}

	return entries, nil
}

// Complete implements retryqueue.Store.
func (repo *Repository) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	return repo.transition(ctx, "complete", id,
		"status = $1, last_error = NULL, updated_at = $2",
		string(retryqueue.StatusCompleted), at)
}

// Reschedule implements retryqueue.Store.
func (repo *Repository) Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	return repo.transition(ctx, "reschedule", id,
		"status = $1, attempt_count = $2, next_attempt_at = $3, last_error = $4, updated_at = $5",
		string(retryqueue.StatusPending), attemptCount, nextAttemptAt, nullString(lastError), time.Now().UTC())
}

// DeadLetter implements retryqueue.Store.
func (repo *Repository) DeadLetter(ctx context.Context, id uuid.UUID, attemptCount int, lastError string) error {
	return repo.transition(ctx, "dead_letter", id,
		"status = $1, attempt_count = $2, last_error = $3, updated_at = $4",
		string(retryqueue.StatusDeadLettered), attemptCount, nullString(lastError), time.Now().UTC())
}

// transition applies set to a Processing entry of the current tenant.
// set uses placeholders $1..$len(args); id, tenant and the expected status
// are appended after them.
func (repo *Repository) transition(ctx context.Context, name string, id uuid.UUID, set string, args ...any) error {
	tenantID, err := tenant.Require(ctx, "retryqueue."+name)
	if err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.retry_entry_"+name)
	defer span.End()

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return err
	}

	n := len(args)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND tenant_id = $%d AND status = $%d",
		repo.entriesTable, set, n+1, n+2, n+3)

	args = append(args, id, tenantID, string(retryqueue.StatusProcessing))

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to update retry entry", err)

		return fmt.Errorf("retry entry %s: %w", name, err)
	}

	if err := libPostgres.EnsureRowsAffected(result); err != nil {
		if errors.Is(err, libPostgres.ErrStateTransitionConflict) {
			return fmt.Errorf("%w: %s %s", retryqueue.ErrTransitionConflict, name, id)
		}

		return err
	}

	return nil
}

// ResetStuckProcessing implements retryqueue.Store.
func (repo *Repository) ResetStuckProcessing(ctx context.Context, processingBefore time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	tenantID, err := tenant.Require(ctx, "retryqueue.reset_stuck")
	if err != nil {
		return 0, err
	}

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return 0, err
	}

	query := "UPDATE " + repo.entriesTable + " SET status = $1, updated_at = $2 " +
		"WHERE id IN (SELECT id FROM " + repo.entriesTable +
		" WHERE tenant_id = $3 AND status = $4 AND updated_at < $5 ORDER BY updated_at ASC LIMIT $6 FOR UPDATE SKIP LOCKED)" +
		" AND tenant_id = $3 AND status = $4"

	result, err := db.ExecContext(ctx, query,
		string(retryqueue.StatusPending), time.Now().UTC(), tenantID, string(retryqueue.StatusProcessing), processingBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("resetting stuck retry entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return int(rows), nil
}

// Get implements retryqueue.Store.
func (repo *Repository) Get(ctx context.Context, id uuid.UUID) (*retryqueue.Entry, error) {
	tenantID, err := tenant.Require(ctx, "retryqueue.get")
	if err != nil {
		return nil, err
	}

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM "+repo.entriesTable+" WHERE id = $1 AND tenant_id = $2", id, tenantID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retryqueue.ErrEntryNotFound
	}

	return entry, err
}

// ListDeadLettered implements retryqueue.Store. It reads from the resolver,
// so replicas may lag slightly behind the primary.
func (repo *Repository) ListDeadLettered(ctx context.Context, limit int) ([]*retryqueue.Entry, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	tenantID, err := tenant.Require(ctx, "retryqueue.list_dead_lettered")
	if err != nil {
		return nil, err
	}

	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + entryColumns + " FROM " + repo.entriesTable +
		" WHERE tenant_id = $1 AND status = $2 ORDER BY updated_at DESC LIMIT $3"

	return queryEntries(ctx, db, query, tenantID, string(retryqueue.StatusDeadLettered), limit)
}

// Stats implements retryqueue.Store.
func (repo *Repository) Stats(ctx context.Context) (retryqueue.Stats, error) {
	var stats retryqueue.Stats

	tenantID, err := tenant.Require(ctx, "retryqueue.stats")
	if err != nil {
		return stats, err
	}

	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return stats, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM "+repo.entriesTable+" WHERE tenant_id = $1 GROUP BY status", tenantID)
	if err != nil {
		return stats, fmt.Errorf("counting retry entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scanning retry entry count: %w", err)
		}

		switch retryqueue.Status(status) {
		case retryqueue.StatusPending:
			stats.Pending = count
		case retryqueue.StatusProcessing:
			stats.Processing = count
		case retryqueue.StatusCompleted:
			stats.Completed = count
		case retryqueue.StatusDeadLettered:
			stats.DeadLettered = count
		}
	}

	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterating retry entry counts: %w", err)
	}

	err = db.QueryRowContext(ctx,
		"SELECT COALESCE((SELECT total_enqueued FROM "+repo.countersTable+" WHERE tenant_id = $1), 0)", tenantID,
	).Scan(&stats.TotalEnqueued)
	if err != nil {
		return stats, fmt.Errorf("reading enqueue counter: %w", err)
	}

	return stats, nil
}

// ListTenants implements retryqueue.Store.
func (repo *Repository) ListTenants(ctx context.Context) ([]string, error) {
	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT DISTINCT tenant_id FROM "+repo.entriesTable+" WHERE status IN ($1, $2) ORDER BY tenant_id",
		string(retryqueue.StatusPending), string(retryqueue.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("listing retry tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]string, 0)

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}

		tenants = append(tenants, id)
	}

	return tenants, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]*retryqueue.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*retryqueue.Entry, 0)

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retry entries: %w", err)
	}

	return entries, nil
}

func scanEntry(scanner libPostgres.Scanner) (*retryqueue.Entry, error) {
	var (
		entry     retryqueue.Entry
		status    string
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.TenantID,
		&entry.OperationKey,
		&entry.Payload,
		&entry.AttemptCount,
		&entry.MaxAttempts,
		&entry.NextAttemptAt,
		&status,
		&lastError,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning retry entry: %w", err)
	}

	parsed, err := retryqueue.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	entry.Status = parsed
	entry.LastError = lastError.String

	return &entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
