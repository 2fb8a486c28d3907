package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/assert"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds a single message payload.
const DefaultMaxPayloadBytes = 1 << 20

// Status is the lifecycle state of a Message.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return status, nil
}

// IsValid reports whether status is part of the lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no automatic transition leaves status.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed || status == StatusFailed
}

// CanTransitionTo reports whether status may move to next.
// Pending -> Processing -> {Processed | Pending | Failed}.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessed || next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}

// Message is a domain event recorded alongside the state change that produced it.
type Message struct {
	ID          uuid.UUID
	TenantID    string
	AggregateID string
	EventType   string
	Payload     []byte
	Status      Status
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// NewMessage validates its arguments and returns a Pending message.
// The tenant is stamped by the store from the write context.
func NewMessage(ctx context.Context, aggregateID, eventType string, payload []byte) (*Message, error) {
	asserter := assert.New(log.NewNop(), "outbox", "outbox.new_message")

	aggregateID = strings.TrimSpace(aggregateID)
	if err := asserter.NotEmpty(ctx, aggregateID, "aggregate id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAggregateIDRequired, err)
	}

	eventType = strings.TrimSpace(eventType)
	if err := asserter.NotEmpty(ctx, eventType, "event type is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventTypeRequired, err)
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Message{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     append([]byte(nil), payload...),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	out := *m
	out.Payload = append([]byte(nil), m.Payload...)

	if m.ProcessedAt != nil {
		processedAt := *m.ProcessedAt
		out.ProcessedAt = &processedAt
	}

	return &out
}

// Stats is a per-tenant snapshot of message counts.
type Stats struct {
	Pending       int64 `json:"pending"`
	Processing    int64 `json:"processing"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
	TotalMessages int64 `json:"totalMessages"`
}
