package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

var (
	// ErrPrimaryDSNRequired indicates that no primary DSN was configured.
	ErrPrimaryDSNRequired = errors.New("postgres: primary dsn is required")
	// ErrNotConnected indicates that Connect has not succeeded yet.
	ErrNotConnected = errors.New("postgres: client is not connected")
	// ErrNoPrimaryDB indicates that the resolver has no primary database.
	ErrNoPrimaryDB = errors.New("postgres: no primary database configured")

	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config describes a primary/replica pair. ReplicaDSN defaults to PrimaryDSN.
type Config struct {
	PrimaryDSN         string        `mapstructure:"primary_dsn"`
	ReplicaDSN         string        `mapstructure:"replica_dsn"`
	MaxOpenConnections int           `mapstructure:"max_open_connections"`
	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	Logger             log.Logger    `mapstructure:"-"`
}

// Client owns the primary/replica connection pools behind a dbresolver.
// Writes and claims go to the primary; read-only aggregates may use the
// resolver, which load-balances reads across replicas.
type Client struct {
	cfg    Config
	logger log.Logger

	mu           sync.RWMutex
	connectionDB dbresolver.DB
}

// New validates cfg. It does not open any connection.
func New(cfg Config) (*Client, error) {
	cfg.PrimaryDSN = strings.TrimSpace(cfg.PrimaryDSN)
	if cfg.PrimaryDSN == "" {
		return nil, ErrPrimaryDSNRequired
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	return &Client{cfg: cfg, logger: log.OrNop(cfg.Logger)}, nil
}

// Connect opens both pools and pings through the resolver. Calling Connect
// again replaces the existing pools.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.connectionDB != nil {
		if err := c.connectionDB.Close(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}

		c.connectionDB = nil
	}

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			_ = replica.Close()
		}
	}()

	connectionDB, err := createResolverFn(primary, replica)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := connectionDB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	c.connectionDB = connectionDB
	success = true

	c.logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Resolver returns the primary/replica resolver.
func (c *Client) Resolver(_ context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNotConnected
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.connectionDB == nil {
		return nil, ErrNotConnected
	}

	return c.connectionDB, nil
}

// Primary returns the primary pool. Transactions and claims must run here.
func (c *Client) Primary(ctx context.Context) (*sql.DB, error) {
	resolved, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	primaries := resolved.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

// Ping checks the primary pool.
func (c *Client) Ping(ctx context.Context) error {
	db, err := c.Primary(ctx)
	if err != nil {
		return err
	}

	return db.PingContext(ctx)
}

// IsConnected reports whether Connect has succeeded.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connectionDB != nil
}

// Close releases both pools.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectionDB == nil {
		return nil
	}

	err := c.connectionDB.Close()
	c.connectionDB = nil

	return err
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}
