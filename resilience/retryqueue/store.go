package retryqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists retry entries. Every method except ListTenants is scoped to
// the tenant carried by ctx and must filter on it inside the query itself.
//
// Claim is the single-writer guarantee: it moves due Pending entries to
// Processing so that exactly one concurrent caller receives each entry. The
// Complete, Reschedule and DeadLetter transitions only apply to entries that
// are still Processing and return ErrTransitionConflict otherwise.
type Store interface {
	Insert(ctx context.Context, entry *Entry) error
	Claim(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	Complete(ctx context.Context, id uuid.UUID, at time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, lastError string) error
	DeadLetter(ctx context.Context, id uuid.UUID, attemptCount int, lastError string) error
	ResetStuckProcessing(ctx context.Context, processingBefore time.Time, limit int) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListDeadLettered(ctx context.Context, limit int) ([]*Entry, error)
	Stats(ctx context.Context) (Stats, error)
	// ListTenants returns tenants that have Pending or Processing entries.
	ListTenants(ctx context.Context) ([]string, error)
}

// Locker serializes maintenance work across worker replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}
