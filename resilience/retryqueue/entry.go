package retryqueue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a retry entry lifecycle state.
type Status string

// Lifecycle states.
const (
	StatusPending      Status = "PENDING"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// ParseStatus validates raw.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return status, nil
}

// IsValid reports whether status is a known state.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition leaves status.
func (status Status) IsTerminal() bool {
	return status == StatusCompleted || status == StatusDeadLettered
}

// CanTransitionTo reports whether status may move to next.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPending || next == StatusCompleted || next == StatusDeadLettered
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}

// Entry is one failed operation awaiting retry.
type Entry struct {
	ID            uuid.UUID
	TenantID      string
	OperationKey  string
	Payload       []byte
	AttemptCount  int
	MaxAttempts   int
	NextAttemptAt time.Time
	Status        Status
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}

	clone := *e
	clone.Payload = append([]byte(nil), e.Payload...)

	return &clone
}

// Stats counts one tenant's entries by status. TotalEnqueued is a lifetime
// counter that never decreases.
type Stats struct {
	Pending       int64 `json:"pending"`
	Processing    int64 `json:"processing"`
	Completed     int64 `json:"completed"`
	DeadLettered  int64 `json:"deadLettered"`
	TotalEnqueued int64 `json:"totalEnqueued"`
}
