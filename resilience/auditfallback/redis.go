package auditfallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list holding buffered records.
const DefaultRedisKey = "resilience:audit:fallback"

// New records are LPUSHed and drained from the right, so the right end is
// always the oldest record.
var boundedPush = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// ClientProvider yields a connected go-redis client; *redis.Client from the
// resilience redis package satisfies it.
type ClientProvider interface {
	GetClient(ctx context.Context) (redis.UniversalClient, error)
}

// RedisStore keeps the buffer in a Redis list so replicas share it and it
// survives restarts.
type RedisStore struct {
	provider ClientProvider
	key      string
}

var _ Store = (*RedisStore)(nil)

var ErrClientRequired = errors.New("auditfallback: redis client is required")

// NewRedisStore builds a RedisStore on key (DefaultRedisKey when empty).
func NewRedisStore(provider ClientProvider, key string) (*RedisStore, error) {
	if nilcheck.IsNil(provider) {
		return nil, ErrClientRequired
	}

	if key == "" {
		key = DefaultRedisKey
	}

	return &RedisStore{provider: provider, key: key}, nil
}

func (s *RedisStore) Push(ctx context.Context, rec *Record, limit int64) error {
	if rec == nil {
		return ErrRecordRequired
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}

	rdb, err := s.provider.GetClient(ctx)
	if err != nil {
		return err
	}

	if limit <= 0 {
		return rdb.LPush(ctx, s.key, raw).Err()
	}

	accepted, err := boundedPush.Run(ctx, rdb, []string{s.key}, raw, limit).Int()
	if err != nil {
		return fmt.Errorf("pushing audit record: %w", err)
	}

	if accepted == 0 {
		return ErrQueueFull
	}

	return nil
}

func (s *RedisStore) PopBatch(ctx context.Context, n int) ([]*Record, error) {
	if n <= 0 {
		return nil, ErrLimitMustBePositive
	}

	rdb, err := s.provider.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	values, err := rdb.RPopCount(ctx, s.key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("popping audit records: %w", err)
	}

	out := make([]*Record, 0, len(values))

	for _, value := range values {
		var rec Record

		// A record that no longer decodes can never be replayed; skip it.
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			continue
		}

		out = append(out, &rec)
	}

	return out, nil
}

// Requeue pushes records back onto the right end in reverse so records[0]
// is popped first.
func (s *RedisStore) Requeue(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	values := make([]any, 0, len(records))

	for i := len(records) - 1; i >= 0; i-- {
		raw, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("encoding audit record: %w", err)
		}

		values = append(values, raw)
	}

	rdb, err := s.provider.GetClient(ctx)
	if err != nil {
		return err
	}

	return rdb.RPush(ctx, s.key, values...).Err()
}

func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	rdb, err := s.provider.GetClient(ctx)
	if err != nil {
		return 0, err
	}

	return rdb.LLen(ctx, s.key).Result()
}
