// Package postgres writes audit records to the audit_logs table. It is the
// primary sink the fallback queue replays into.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/abrkgrbz/Stocker-sub077/resilience/auditfallback"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	libPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
)

const writeOp = "audit.write"

var ErrConnectionRequired = errors.New("audit postgres: connection is required")

// Connection is the subset of *postgres.Client the sink needs.
type Connection interface {
	Primary(ctx context.Context) (*sql.DB, error)
}

// Sink implements auditfallback.Sink.
type Sink struct {
	conn  Connection
	table string
}

var _ auditfallback.Sink = (*Sink)(nil)

// NewSink writes to table, or audit_logs when empty.
func NewSink(conn Connection, table string) (*Sink, error) {
	if nilcheck.IsNil(conn) {
		return nil, ErrConnectionRequired
	}

	if table == "" {
		table = "audit_logs"
	}

	if err := libPostgres.ValidateIdentifier(table); err != nil {
		return nil, err
	}

	return &Sink{conn: conn, table: libPostgres.QuoteIdentifier(table)}, nil
}

// WriteAudit inserts rec. Replays of an already written record are no-ops.
// Errors carry a failure kind so the fallback queue knows whether to buffer.
func (s *Sink) WriteAudit(ctx context.Context, rec *auditfallback.Record) error {
	if rec == nil {
		return auditfallback.ErrRecordRequired
	}

	tenantID, err := tenant.Require(ctx, writeOp)
	if err != nil {
		return err
	}

	db, err := s.conn.Primary(ctx)
	if err != nil {
		return libPostgres.Classify(writeOp, err)
	}

	var payload any
	if len(rec.Payload) > 0 {
		payload = []byte(rec.Payload)
	}

	_, err = db.ExecContext(ctx,
		"INSERT INTO "+s.table+" (id, tenant_id, action, entity_type, entity_id, actor, payload, occurred_at) "+
			"VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8) ON CONFLICT (id) DO NOTHING",
		rec.ID, tenantID, rec.Action, rec.EntityType, rec.EntityID, rec.Actor, payload, rec.OccurredAt)

	return libPostgres.Classify(writeOp, err)
}
