package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/backoff"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

const reconnectBackoffCap = 30 * time.Second

var (
	// ErrNilClient is returned when a method is called on a nil Client.
	ErrNilClient = errors.New("redis: client is nil")
	// ErrAddressRequired is returned when no address is configured.
	ErrAddressRequired = errors.New("redis: at least one address is required")
)

// Config selects standalone, sentinel (MasterName set) or cluster (several
// addresses, no MasterName) mode through go-redis universal options.
type Config struct {
	Addresses    []string      `mapstructure:"addresses"`
	MasterName   string        `mapstructure:"master_name"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Logger       log.Logger    `mapstructure:"-"`
}

// Client owns a go-redis UniversalClient and reconnects on demand with
// backoff after a failure.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	logger log.Logger
	client redis.UniversalClient

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// New validates cfg, connects and pings.
func New(ctx context.Context, cfg Config) (*Client, error) {
	addresses := make([]string, 0, len(cfg.Addresses))

	for _, addr := range cfg.Addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}

	if len(addresses) == 0 {
		return nil, ErrAddressRequired
	}

	cfg.Addresses = addresses

	c := &Client{cfg: cfg, logger: log.OrNop(cfg.Logger)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	ctx, span := otel.Tracer("redis").Start(ctx, "redis.connect")
	defer span.End()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        c.cfg.Addresses,
		MasterName:   c.cfg.MasterName,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		PoolSize:     c.cfg.PoolSize,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		libOpentelemetry.HandleSpanError(span, "failed to ping redis", err)
		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb

	c.logger.Log(ctx, log.LevelInfo, "connected to redis", log.Int("addresses", len(c.cfg.Addresses)))

	return nil
}

// GetClient returns the connected client, reconnecting if a previous
// connection was dropped. Reconnects are rate limited with exponential backoff.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := min(backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts), reconnectBackoffCap)

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	return rdb.Ping(ctx).Err()
}

// Close releases the connection. A later GetClient reconnects.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}
