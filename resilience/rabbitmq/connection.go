package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultExchange       = "inventory.events"
	defaultExchangeType   = "topic"
	defaultDialTimeout    = 10 * time.Second
	defaultHeartbeat      = 10 * time.Second
	DefaultConfirmTimeout = 5 * time.Second
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq: connection is nil")
	// ErrURLRequired is returned when no broker URL is configured.
	ErrURLRequired = errors.New("rabbitmq: url is required")
	// ErrInvalidURL is returned when the broker URL is not an amqp(s) URL.
	ErrInvalidURL = errors.New("rabbitmq: url must use the amqp or amqps scheme")
)

// Config describes the broker and the exchange events are published to.
type Config struct {
	URL             string        `mapstructure:"url"`
	Exchange        string        `mapstructure:"exchange"`
	ExchangeType    string        `mapstructure:"exchange_type"`
	DeadLetterQueue string        `mapstructure:"dead_letter_queue"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
}

func (cfg *Config) normalize() error {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return ErrURLRequired
	}

	parsed, err := url.Parse(cfg.URL)
	if err != nil || (parsed.Scheme != "amqp" && parsed.Scheme != "amqps") {
		return ErrInvalidURL
	}

	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}

	if cfg.ExchangeType == "" {
		cfg.ExchangeType = defaultExchangeType
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	return nil
}

// Connection holds one AMQP connection and redials when the broker drops it.
type Connection struct {
	mu     sync.Mutex
	cfg    Config
	logger log.Logger
	conn   *amqp.Connection
	dial   func(string, amqp.Config) (*amqp.Connection, error)
}

// NewConnection validates cfg. It does not dial; the first Channel call does.
func NewConnection(cfg Config, logger log.Logger) (*Connection, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &Connection{cfg: cfg, logger: log.OrNop(logger), dial: amqp.DialConfig}, nil
}

// Config returns the normalized configuration.
func (c *Connection) Config() Config {
	if c == nil {
		return Config{}
	}

	return c.cfg
}

// Connect dials the broker unless a live connection already exists.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.connectLocked(ctx)

	return err
}

func (c *Connection) connectLocked(ctx context.Context) (*amqp.Connection, error) {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}

	_, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	conn, err := c.dial(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.cfg.DialTimeout),
	})
	if err != nil {
		sanitized := newSanitizedError(err, c.cfg.URL, "failed to connect to rabbitmq")
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitized)
		c.logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitizeAMQPErr(err, c.cfg.URL)))

		return nil, sanitized
	}

	c.conn = conn
	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return conn, nil
}

// Channel opens a fresh channel, redialing first if needed.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

// ChannelProvider adapts Channel for the publisher.
func (c *Connection) ChannelProvider() ChannelProvider {
	return func(ctx context.Context) (ConfirmableChannel, error) {
		ch, err := c.Channel(ctx)
		if err != nil {
			return nil, err
		}

		return ch, nil
	}
}

// DeclareTopology declares the publish exchange and, when configured, the
// dead-letter exchange and queue on a short-lived channel.
func (c *Connection) DeclareTopology(ctx context.Context) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = ch.Close() }()

	return DeclareTopology(ch, c.cfg)
}

// IsConnected reports whether the current connection is open.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection. A later Channel call redials.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	conn := c.conn
	c.conn = nil

	if conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	return nil
}

type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

// sanitizeAMQPErr strips the password of connectionString out of err.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	parsed, parseErr := url.Parse(connectionString)
	if connectionString == "" || parseErr != nil {
		return msg
	}

	msg = strings.ReplaceAll(msg, connectionString, parsed.Redacted())

	if password, ok := parsed.User.Password(); ok && password != "" {
		msg = strings.ReplaceAll(msg, password, "xxxxx")
	}

	return msg
}
