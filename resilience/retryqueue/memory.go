package retryqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-replica setups.
// Entries do not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]map[uuid.UUID]*Entry
	enqueued map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]map[uuid.UUID]*Entry),
		enqueued: make(map[string]int64),
	}
}

func (s *MemoryStore) tenantEntries(tenantID string) map[uuid.UUID]*Entry {
	entries, ok := s.entries[tenantID]
	if !ok {
		entries = make(map[uuid.UUID]*Entry)
		s.entries[tenantID] = entries
	}

	return entries
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, entry *Entry) error {
	tenantID, err := tenant.Require(ctx, "retryqueue.insert")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := entry.Clone()
	stored.TenantID = tenantID

	s.tenantEntries(tenantID)[stored.ID] = stored
	s.enqueued[tenantID]++

	return nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	tenantID, err := tenant.Require(ctx, "retryqueue.claim")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*Entry, 0)

	for _, entry := range s.entries[tenantID] {
		if entry.Status == StatusPending && !entry.NextAttemptAt.After(now) {
			due = append(due, entry)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}

		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Entry, 0, len(due))

	for _, entry := range due {
		entry.Status = StatusProcessing
		entry.UpdatedAt = now
		claimed = append(claimed, entry.Clone())
	}

	return claimed, nil
}

func (s *MemoryStore) transition(ctx context.Context, op string, id uuid.UUID, apply func(*Entry)) error {
	tenantID, err := tenant.Require(ctx, op)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[tenantID][id]
	if !ok {
		return ErrEntryNotFound
	}

	if entry.Status != StatusProcessing {
		return ErrTransitionConflict
	}

	apply(entry)

	return nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.transition(ctx, "retryqueue.complete", id, func(entry *Entry) {
		entry.Status = StatusCompleted
		entry.LastError = ""
		entry.UpdatedAt = at
	})
}

// Reschedule implements Store.
func (s *MemoryStore) Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	return s.transition(ctx, "retryqueue.reschedule", id, func(entry *Entry) {
		entry.Status = StatusPending
		entry.AttemptCount = attemptCount
		entry.NextAttemptAt = nextAttemptAt
		entry.LastError = lastError
		entry.UpdatedAt = time.Now().UTC()
	})
}

// DeadLetter implements Store.
func (s *MemoryStore) DeadLetter(ctx context.Context, id uuid.UUID, attemptCount int, lastError string) error {
	return s.transition(ctx, "retryqueue.dead_letter", id, func(entry *Entry) {
		entry.Status = StatusDeadLettered
		entry.AttemptCount = attemptCount
		entry.LastError = lastError
		entry.UpdatedAt = time.Now().UTC()
	})
}

// ResetStuckProcessing implements Store.
func (s *MemoryStore) ResetStuckProcessing(ctx context.Context, processingBefore time.Time, limit int) (int, error) {
	tenantID, err := tenant.Require(ctx, "retryqueue.reset_stuck")
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0

	for _, entry := range s.entries[tenantID] {
		if limit > 0 && reset >= limit {
			break
		}

		if entry.Status == StatusProcessing && entry.UpdatedAt.Before(processingBefore) {
			entry.Status = StatusPending
			entry.UpdatedAt = time.Now().UTC()
			reset++
		}
	}

	return reset, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	tenantID, err := tenant.Require(ctx, "retryqueue.get")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[tenantID][id]
	if !ok {
		return nil, ErrEntryNotFound
	}

	return entry.Clone(), nil
}

// ListDeadLettered implements Store. Most recently updated first.
func (s *MemoryStore) ListDeadLettered(ctx context.Context, limit int) ([]*Entry, error) {
	tenantID, err := tenant.Require(ctx, "retryqueue.list_dead_lettered")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0)

	for _, entry := range s.entries[tenantID] {
		if entry.Status == StatusDeadLettered {
			out = append(out, entry.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	tenantID, err := tenant.Require(ctx, "retryqueue.stats")
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{TotalEnqueued: s.enqueued[tenantID]}

	for _, entry := range s.entries[tenantID] {
		switch entry.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusDeadLettered:
			stats.DeadLettered++
		}
	}

	return stats, nil
}

// ListTenants implements Store.
func (s *MemoryStore) ListTenants(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenants := make([]string, 0, len(s.entries))

	for tenantID, entries := range s.entries {
		for _, entry := range entries {
			if entry.Status == StatusPending || entry.Status == StatusProcessing {
				tenants = append(tenants, tenantID)

				break
			}
		}
	}

	sort.Strings(tenants)

	return tenants, nil
}
