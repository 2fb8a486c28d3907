package auditfallback

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRecordRequired      = errors.New("auditfallback: record is required")
	ErrActionRequired      = errors.New("auditfallback: action is required")
	ErrQueueFull           = errors.New("auditfallback: queue is full")
	ErrStoreRequired       = errors.New("auditfallback: store is required")
	ErrSinkRequired        = errors.New("auditfallback: sink is required")
	ErrQueueRunning        = errors.New("auditfallback: drain loop already running")
	ErrLimitMustBePositive = errors.New("auditfallback: limit must be greater than zero")
)

// Record is one audit entry.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   string          `json:"tenantId"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// Store is the FIFO buffer behind a Queue.
type Store interface {
	// Push appends rec unless the buffer already holds limit records, in
	// which case it returns ErrQueueFull.
	Push(ctx context.Context, rec *Record, limit int64) error
	// PopBatch removes and returns up to n of the oldest records.
	PopBatch(ctx context.Context, n int) ([]*Record, error)
	// Requeue puts records back at the head, keeping their order.
	Requeue(ctx context.Context, records []*Record) error
	Len(ctx context.Context) (int64, error)
}
