package auditfallback

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps the buffer in process memory. Records are lost on exit.
type MemoryStore struct {
	mu      sync.Mutex
	records []*Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Push(_ context.Context, rec *Record, limit int64) error {
	if rec == nil {
		return ErrRecordRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit > 0 && int64(len(s.records)) >= limit {
		return ErrQueueFull
	}

	cp := *rec
	s.records = append(s.records, &cp)

	return nil
}

func (s *MemoryStore) PopBatch(_ context.Context, n int) ([]*Record, error) {
	if n <= 0 {
		return nil, ErrLimitMustBePositive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n = min(n, len(s.records))
	out := slices.Clone(s.records[:n])
	s.records = slices.Delete(s.records, 0, n)

	return out, nil
}

func (s *MemoryStore) Requeue(_ context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = slices.Insert(s.records, 0, records...)

	return nil
}

func (s *MemoryStore) Len(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.records)), nil
}
