package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/assert"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"go.opentelemetry.io/otel"
)

const maxLockTries = 1000

var (
	// ErrNilLockManager is returned when a method is called on a nil LockManager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrNilLockFn is returned when WithLock receives a nil function.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned for blank lock keys.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockBusy is returned by WithLock when another holder owns the key.
	ErrLockBusy = errors.New("lock is held by another process")
	// ErrLockNotHeld is returned when unlocking a lock that already expired.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrInvalidLockOptions is returned when LockOptions fail validation.
	ErrInvalidLockOptions = errors.New("invalid lock options")
)

// LockOptions configures lock acquisition.
type LockOptions struct {
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultLockOptions waits briefly for the lock.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// SweepLockOptions makes a single attempt. Maintenance sweeps run on every
// poll tick, so losing the race just means another replica does the work.
func SweepLockOptions() LockOptions {
	return LockOptions{
		Expiry:      30 * time.Second,
		Tries:       1,
		DriftFactor: 0.01,
	}
}

func validateLockOptions(opts LockOptions) error {
	switch {
	case opts.Expiry <= 0:
		return fmt.Errorf("%w: expiry must be greater than 0", ErrInvalidLockOptions)
	case opts.Tries < 1:
		return fmt.Errorf("%w: tries must be at least 1", ErrInvalidLockOptions)
	case opts.Tries > maxLockTries:
		return fmt.Errorf("%w: tries exceeds %d", ErrInvalidLockOptions, maxLockTries)
	case opts.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay cannot be negative", ErrInvalidLockOptions)
	case opts.DriftFactor < 0 || opts.DriftFactor >= 1:
		return fmt.Errorf("%w: drift factor must be in [0, 1)", ErrInvalidLockOptions)
	}

	return nil
}

// clientPool resolves the current go-redis client on every Get so the lock
// keeps working across reconnects.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// LockManager implements distributed locks over redsync.
type LockManager struct {
	redsync  *redsync.Redsync
	defaults LockOptions
	logger   log.Logger
}

// LockManagerOption customizes a LockManager.
type LockManagerOption func(*LockManager)

// WithDefaultLockOptions replaces the options used by WithLock.
func WithDefaultLockOptions(opts LockOptions) LockManagerOption {
	return func(m *LockManager) {
		m.defaults = opts
	}
}

// WithLockLogger sets the logger.
func WithLockLogger(logger log.Logger) LockManagerOption {
	return func(m *LockManager) {
		m.logger = log.OrNop(logger)
	}
}

// NewLockManager builds a LockManager over conn.
func NewLockManager(conn *Client, opts ...LockManagerOption) (*LockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	m := &LockManager{
		redsync:  redsync.New(&clientPool{conn: conn}),
		defaults: DefaultLockOptions(),
		logger:   conn.logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	if err := validateLockOptions(m.defaults); err != nil {
		return nil, err
	}

	return m, nil
}

// WithLock runs fn while holding lockKey using the manager defaults.
// It returns ErrLockBusy when the key is held elsewhere.
func (m *LockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	if m == nil {
		return nilLockAssert(ctx, "WithLock")
	}

	return m.WithLockOptions(ctx, lockKey, m.defaults, fn)
}

// WithLockOptions runs fn while holding lockKey.
func (m *LockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if m == nil {
		return nilLockAssert(ctx, "WithLockOptions")
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if err := validateLockOptions(opts); err != nil {
		return err
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.lock.with_lock")
	defer span.End()

	safeKey := safeLockKeyForLogs(lockKey)

	mutex := m.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			m.logger.Log(ctx, log.LevelDebug, "lock held elsewhere", log.String("lock_key", safeKey))

			return ErrLockBusy
		}

		libOpentelemetry.HandleSpanError(span, "failed to acquire lock", err)
		m.logger.Log(ctx, log.LevelError, "failed to acquire lock", log.String("lock_key", safeKey), log.Err(err))

		return fmt.Errorf("acquire lock %s: %w", safeKey, err)
	}

	defer func() {
		// The caller may already be cancelled; release regardless.
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			m.logger.Log(ctx, log.LevelWarn, "failed to release lock",
				log.String("lock_key", safeKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "function failed under lock", err)

		return err
	}

	return nil
}

// LockHandle releases a lock acquired with TryLock.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil && strings.Contains(err.Error(), "already expired") {
		return ErrLockNotHeld
	}

	if err != nil {
		h.logger.Log(ctx, log.LevelError, "failed to release lock", log.Err(err))

		return fmt.Errorf("unlock: %w", err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

// TryLock makes one acquisition attempt. A busy lock yields (nil, false, nil).
func (m *LockManager) TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error) {
	if m == nil {
		return nil, false, nilLockAssert(ctx, "TryLock")
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	mutex := m.redsync.NewMutex(lockKey, redsync.WithExpiry(m.defaults.Expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("try lock %s: %w", safeLockKeyForLogs(lockKey), err)
	}

	return &lockHandle{mutex: mutex, logger: m.logger}, true, nil
}

func isLockContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	return strings.Contains(err.Error(), "lock already taken")
}

func nilLockAssert(ctx context.Context, operation string) error {
	_ = assert.New(log.NewNop(), "redis.LockManager", operation).Never(ctx, "nil receiver on *redis.LockManager")

	return ErrNilLockManager
}

// safeLockKeyForLogs keeps logs bounded and free of control characters.
func safeLockKeyForLogs(key string) string {
	const maxLen = 128

	key = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '?'
		}

		return r
	}, key)

	if len(key) > maxLen {
		return key[:maxLen] + "..."
	}

	return key
}
