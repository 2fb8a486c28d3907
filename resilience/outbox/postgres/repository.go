// Package postgres stores outbox messages in PostgreSQL.
//
// A claim takes the oldest Pending message of each aggregate that has no
// Processing message, locking candidates with FOR UPDATE SKIP LOCKED so
// replicas never publish the same message or overtake one another within an
// aggregate. Every statement filters on tenant_id.
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
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	libPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const messageColumns = "id, tenant_id, aggregate_id, event_type, payload, status, retry_count, last_error, created_at, updated_at, processed_at"

var (
	ErrConnectionRequired  = errors.New("outbox postgres: connection is required")
	ErrLimitMustBePositive = errors.New("outbox postgres: limit must be greater than zero")
)

// Connection is the subset of *postgres.Client the repository needs.
type Connection interface {
	Primary(ctx context.Context) (*sql.DB, error)
	Resolver(ctx context.Context) (dbresolver.DB, error)
}

// Option customizes a Repository.
type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if !nilcheck.IsNil(logger) {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the outbox table, optionally schema qualified.
func WithTableName(table string) Option {
	return func(repo *Repository) {
		repo.table = table
	}
}

// Repository implements outbox.Store and outbox.TxInserter.
type Repository struct {
	conn   Connection
	logger log.Logger
	tracer trace.Tracer
	table  string
}

var (
	_ outbox.Store      = (*Repository)(nil)
	_ outbox.TxInserter = (*Repository)(nil)
)

// NewRepository builds a Repository over conn.
func NewRepository(conn Connection, opts ...Option) (*Repository, error) {
	if nilcheck.IsNil(conn) {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:   conn,
		logger: log.NewNop(),
		tracer: otel.Tracer("outbox.postgres"),
		table:  "outbox_messages",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if err := libPostgres.ValidateIdentifier(repo.table); err != nil {
		return nil, err
	}

	repo.table = libPostgres.QuoteIdentifier(repo.table)

	return repo, nil
}

// Insert implements outbox.Store.
func (repo *Repository) Insert(ctx context.Context, msg *outbox.Message) error {
	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return err
	}

	return libPostgres.InTx(ctx, db, func(tx *sql.Tx) error {
		return repo.InsertWithTx(ctx, tx, msg)
	})
}

// InsertWithTx implements outbox.TxInserter.
func (repo *Repository) InsertWithTx(ctx context.Context, tx outbox.Tx, msg *outbox.Message) error {
	if msg == nil {
		return outbox.ErrMessageRequired
	}

	if tx == nil {
		return outbox.ErrTxRequired
	}

	tenantID, err := tenant.Require(ctx, "outbox.insert")
	if err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox_insert")
	defer span.End()

	query := "INSERT INTO " + repo.table + " (" + messageColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

	if _, err := tx.ExecContext(ctx, query,
		msg.ID, tenantID, msg.AggregateID, msg.EventType, msg.Payload, string(msg.Status), msg.RetryCount,
		nullString(msg.LastError), msg.CreatedAt, msg.UpdatedAt, msg.ProcessedAt,
	); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to insert outbox message", err)

		return fmt.Errorf("inserting outbox message: %w", err)
	}

	msg.TenantID = tenantID

	return nil
}

// headFilter selects h rows that are the oldest Pending message of an idle aggregate.
const headFilter = " h.tenant_id = $1 AND h.status = $2 AND NOT EXISTS (SELECT 1 FROM %[1]s o" +
	" WHERE o.tenant_id = h.tenant_id AND o.aggregate_id = h.aggregate_id AND (o.status = $3" +
	" OR (o.status = $2 AND (o.created_at, o.id) < (h.created_at, h.id))))"

func (repo *Repository) claimQuery(extra string) string {
	return fmt.Sprintf("UPDATE %[1]s SET status = $3, updated_at = $4 WHERE id IN (SELECT h.id FROM %[1]s h WHERE"+
		headFilter+extra+" ORDER BY h.created_at ASC, h.id ASC LIMIT $5 FOR UPDATE OF h SKIP LOCKED)"+
		" AND tenant_id = $1 AND status = $2 RETURNING "+messageColumns, repo.table)
}

// Claim implements outbox.Store.
func (repo *Repository) Claim(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	tenantID, err := tenant.Require(ctx, "outbox.claim")
	if err != nil {
		return nil, err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox_claim")
	defer span.End()

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	messages, err := queryMessages(ctx, db, repo.claimQuery(""),
		tenantID, string(outbox.StatusPending), string(outbox.StatusProcessing), time.Now().UTC(), limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to claim outbox messages", err)
		repo.logger.Log(ctx, log.LevelError, "failed to claim outbox messages", log.Err(err))

		return nil, fmt.Errorf("claiming outbox messages: %w", err)
	}

	return messages, nil
}

// ClaimByID implements outbox.Store.
func (repo *Repository) ClaimByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	tenantID, err := tenant.Require(ctx, "outbox.claim_by_id")
	if err != nil {
		return nil, err
	}

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	messages, err := queryMessages(ctx, db, repo.claimQuery(" AND h.id = $6"),
		tenantID, string(outbox.StatusPending), string(outbox.StatusProcessing), time.Now().UTC(), 1, id)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox message %s: %w", id, err)
	}

	if len(messages) == 1 {
		return messages[0], nil
	}

	if _, err := repo.Get(ctx, id); err != nil {
		return nil, err
	}

	return nil, nil
}

// MarkProcessed implements outbox.Store.
func (repo *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	return repo.transition(ctx, "mark_processed", id,
		"status = $1, processed_at = $2, last_error = NULL, updated_at = $3",
		string(outbox.StatusProcessed), processedAt, time.Now().UTC())
}

// MarkRetry implements outbox.Store.
func (repo *Repository) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	return repo.transition(ctx, "mark_retry", id,
		"status = $1, retry_count = $2, last_error = $3, updated_at = $4",
		string(outbox.StatusPending), retryCount, nullString(lastError), time.Now().UTC())
}

// MarkFailed implements outbox.Store.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	return repo.transition(ctx, "mark_failed", id,
		"status = $1, retry_count = $2, last_error = $3, updated_at = $4",
		string(outbox.StatusFailed), retryCount, nullString(lastError), time.Now().UTC())
}

func (repo *Repository) transition(ctx context.Context, name string, id uuid.UUID, set string, args ...any) error {
	tenantID, err := tenant.Require(ctx, "outbox."+name)
	if err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox_"+name)
	defer span.End()

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return err
	}

	n := len(args)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND tenant_id = $%d AND status = $%d",
		repo.table, set, n+1, n+2, n+3)

	result, err := db.ExecContext(ctx, query, append(args, id, tenantID, string(outbox.StatusProcessing))...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to update outbox message", err)

		return fmt.Errorf("outbox %s: %w", name, err)
	}

	if err := libPostgres.EnsureRowsAffected(result); err != nil {
		if errors.Is(err, libPostgres.ErrStateTransitionConflict) {
			return fmt.Errorf("%w: %s %s", outbox.ErrTransitionConflict, name, id)
		}

		return err
	}

	return nil
}

// ResetStuckProcessing implements outbox.Store.
func (repo *Repository) ResetStuckProcessing(ctx context.Context, processingBefore time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	tenantID, err := tenant.Require(ctx, "outbox.reset_stuck")
	if err != nil {
		return 0, err
	}

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return 0, err
	}

	query := "UPDATE " + repo.table + " SET status = $1, updated_at = $2 " +
		"WHERE id IN (SELECT id FROM " + repo.table +
		" WHERE tenant_id = $3 AND status = $4 AND updated_at < $5 ORDER BY updated_at ASC LIMIT $6 FOR UPDATE SKIP LOCKED)" +
		" AND tenant_id = $3 AND status = $4"

	result, err := db.ExecContext(ctx, query,
		string(outbox.StatusPending), time.Now().UTC(), tenantID, string(outbox.StatusProcessing), processingBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("resetting stuck outbox messages: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return int(rows), nil
}

// Get implements outbox.Store.
func (repo *Repository) Get(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	tenantID, err := tenant.Require(ctx, "outbox.get")
	if err != nil {
		return nil, err
	}

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := scanMessage(db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM "+repo.table+" WHERE id = $1 AND tenant_id = $2", id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbox.ErrMessageNotFound
	}

	return msg, err
}

// ListFailed implements outbox.Store.
func (repo *Repository) ListFailed(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	tenantID, err := tenant.Require(ctx, "outbox.list_failed")
	if err != nil {
		return nil, err
	}

	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	return queryMessages(ctx, db,
		"SELECT "+messageColumns+" FROM "+repo.table+" WHERE tenant_id = $1 AND status = $2 ORDER BY updated_at DESC LIMIT $3",
		tenantID, string(outbox.StatusFailed), limit)
}

// Stats implements outbox.Store.
func (repo *Repository) Stats(ctx context.Context) (outbox.Stats, error) {
	var stats outbox.Stats

	tenantID, err := tenant.Require(ctx, "outbox.stats")
	if err != nil {
		return stats, err
	}

	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return stats, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM "+repo.table+" WHERE tenant_id = $1 GROUP BY status", tenantID)
	if err != nil {
		return stats, fmt.Errorf("counting outbox messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scanning outbox count: %w", err)
		}

		stats.TotalMessages += count

		switch outbox.Status(status) {
		case outbox.StatusPending:
			stats.Pending = count
		case outbox.StatusProcessing:
			stats.Processing = count
		case outbox.StatusProcessed:
			stats.Processed = count
		case outbox.StatusFailed:
			stats.Failed = count
		}
	}

	return stats, rows.Err()
}

// ListTenants implements outbox.Store.
func (repo *Repository) ListTenants(ctx context.Context) ([]string, error) {
	db, err := repo.conn.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT DISTINCT tenant_id FROM "+repo.table+" WHERE status IN ($1, $2) ORDER BY tenant_id",
		string(outbox.StatusPending), string(outbox.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("listing outbox tenants: %w", err)
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

func queryMessages(ctx context.Context, db querier, query string, args ...any) ([]*outbox.Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]*outbox.Message, 0)

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox messages: %w", err)
	}

	return messages, nil
}

func scanMessage(scanner libPostgres.Scanner) (*outbox.Message, error) {
	var (
		msg         outbox.Message
		status      string
		lastError   sql.NullString
		processedAt sql.NullTime
	)

	if err := scanner.Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.AggregateID,
		&msg.EventType,
		&msg.Payload,
		&status,
		&msg.RetryCount,
		&lastError,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&processedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	msg.Status = parsed
	msg.LastError = lastError.String

	if processedAt.Valid {
		at := processedAt.Time
		msg.ProcessedAt = &at
	}

	return &msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
