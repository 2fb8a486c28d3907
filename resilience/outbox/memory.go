package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/google/uuid"
)

type storedMessage struct {
	msg *Message
	seq uint64
}

// MemoryStore is an in-process Store. It cannot take part in a database
// transaction, so it suits tests and services without a relational store.
type MemoryStore struct {
	mu       sync.Mutex
	seq      uint64
	messages map[string]map[uuid.UUID]*storedMessage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]map[uuid.UUID]*storedMessage)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrMessageRequired
	}

	tenantID, err := tenant.Require(ctx, "outbox.insert")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := msg.Clone()
	stored.TenantID = tenantID

	if s.messages[tenantID] == nil {
		s.messages[tenantID] = make(map[uuid.UUID]*storedMessage)
	}

	s.seq++
	s.messages[tenantID][stored.ID] = &storedMessage{msg: stored, seq: s.seq}

	return nil
}

// heads returns, per aggregate without a Processing message, its oldest
// Pending message. Callers hold s.mu.
func (s *MemoryStore) heads(tenantID string) map[string]*storedMessage {
	busy := make(map[string]bool)
	heads := make(map[string]*storedMessage)

	for _, sm := range s.messages[tenantID] {
		switch sm.msg.Status {
		case StatusProcessing:
			busy[sm.msg.AggregateID] = true
		case StatusPending:
			current, ok := heads[sm.msg.AggregateID]
			if !ok || sm.before(current) {
				heads[sm.msg.AggregateID] = sm
			}
		}
	}

	for aggregateID := range busy {
		delete(heads, aggregateID)
	}

	return heads
}

func (sm *storedMessage) before(other *storedMessage) bool {
	if sm.msg.CreatedAt.Equal(other.msg.CreatedAt) {
		return sm.seq < other.seq
	}

	return sm.msg.CreatedAt.Before(other.msg.CreatedAt)
}

func claim(sm *storedMessage) *Message {
	sm.msg.Status = StatusProcessing
	sm.msg.UpdatedAt = time.Now().UTC()

	return sm.msg.Clone()
}

// Claim implements Store.
func (s *MemoryStore) Claim(ctx context.Context, limit int) ([]*Message, error) {
	tenantID, err := tenant.Require(ctx, "outbox.claim")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*storedMessage, 0)
	for _, sm := range s.heads(tenantID) {
		candidates = append(candidates, sm)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].before(candidates[j]) })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*Message, 0, len(candidates))
	for _, sm := range candidates {
		claimed = append(claimed, claim(sm))
	}

	return claimed, nil
}

// ClaimByID implements Store.
func (s *MemoryStore) ClaimByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	tenantID, err := tenant.Require(ctx, "outbox.claim_by_id")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[tenantID][id]
	if !ok {
		return nil, ErrMessageNotFound
	}

	if head, ok := s.heads(tenantID)[sm.msg.AggregateID]; !ok || head != sm {
		return nil, nil
	}

	return claim(sm), nil
}

func (s *MemoryStore) transition(ctx context.Context, op string, id uuid.UUID, apply func(*Message)) error {
	tenantID, err := tenant.Require(ctx, op)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[tenantID][id]
	if !ok {
		return ErrMessageNotFound
	}

	if sm.msg.Status != StatusProcessing {
		return ErrTransitionConflict
	}

	apply(sm.msg)
	sm.msg.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkProcessed implements Store.
func (s *MemoryStore) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	return s.transition(ctx, "outbox.mark_processed", id, func(msg *Message) {
		msg.Status = StatusProcessed
		msg.ProcessedAt = &processedAt
		msg.LastError = ""
	})
}

// MarkRetry implements Store.
func (s *MemoryStore) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	return s.transition(ctx, "outbox.mark_retry", id, func(msg *Message) {
		msg.Status = StatusPending
		msg.RetryCount = retryCount
		msg.LastError = lastError
	})
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	return s.transition(ctx, "outbox.mark_failed", id, func(msg *Message) {
		msg.Status = StatusFailed
		msg.RetryCount = retryCount
		msg.LastError = lastError
	})
}

// ResetStuckProcessing implements Store.
func (s *MemoryStore) ResetStuckProcessing(ctx context.Context, processingBefore time.Time, limit int) (int, error) {
	tenantID, err := tenant.Require(ctx, "outbox.reset_stuck")
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0

	for _, sm := range s.messages[tenantID] {
		if limit > 0 && reset >= limit {
			break
		}

		if sm.msg.Status == StatusProcessing && sm.msg.UpdatedAt.Before(processingBefore) {
			sm.msg.Status = StatusPending
			sm.msg.UpdatedAt = time.Now().UTC()
			reset++
		}
	}

	return reset, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	tenantID, err := tenant.Require(ctx, "outbox.get")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[tenantID][id]
	if !ok {
		return nil, ErrMessageNotFound
	}

	return sm.msg.Clone(), nil
}

// ListFailed implements Store.
func (s *MemoryStore) ListFailed(ctx context.Context, limit int) ([]*Message, error) {
	tenantID, err := tenant.Require(ctx, "outbox.list_failed")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Message, 0)

	for _, sm := range s.messages[tenantID] {
		if sm.msg.Status == StatusFailed {
			out = append(out, sm.msg.Clone())
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
	tenantID, err := tenant.Require(ctx, "outbox.stats")
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats

	for _, sm := range s.messages[tenantID] {
		stats.TotalMessages++

		switch sm.msg.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusProcessed:
			stats.Processed++
		case StatusFailed:
			stats.Failed++
		}
	}

	return stats, nil
}

// ListTenants implements Store.
func (s *MemoryStore) ListTenants(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenants := make([]string, 0, len(s.messages))

	for tenantID, messages := range s.messages {
		for _, sm := range messages {
			if sm.msg.Status == StatusPending || sm.msg.Status == StatusProcessing {
				tenants = append(tenants, tenantID)

				break
			}
		}
	}

	sort.Strings(tenants)

	return tenants, nil
}
