package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const publishOp = "rabbitmq.publish"

var (
	// ErrPublisherRequired is returned when a method is called on a nil Publisher.
	ErrPublisherRequired = errors.New("rabbitmq: publisher is required")
	// ErrChannelRequired is returned when no channel or provider is supplied.
	ErrChannelRequired = errors.New("rabbitmq: channel is required")
	// ErrConfirmModeUnavailable is returned when the channel refuses confirm mode.
	ErrConfirmModeUnavailable = errors.New("rabbitmq: channel does not support confirm mode")
	// ErrPublishNacked is returned when the broker nacks a message.
	ErrPublishNacked = errors.New("rabbitmq: message was nacked by broker")
	// ErrConfirmTimeout is returned when no confirmation arrives in time.
	ErrConfirmTimeout = errors.New("rabbitmq: confirmation timed out")
	// ErrChannelClosed is returned when the channel closes while waiting.
	ErrChannelClosed = errors.New("rabbitmq: channel closed")
	// ErrPublisherClosed is returned after Close.
	ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")
)

// ConfirmableChannel is the subset of *amqp.Channel the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a new channel. The publisher calls it on first use
// and again whenever the current channel is lost.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(p *Publisher) {
		if !nilcheck.IsNil(logger) {
			p.logger = logger
		}
	}
}

// WithConfirmTimeout bounds the wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithTracer sets the tracer for publish spans.
func WithTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		if !nilcheck.IsNil(tracer) {
			p.tracer = tracer
		}
	}
}

// Publisher implements outbox.Publisher on a confirm-mode channel. Calls are
// serialized so each confirmation pairs with the message just sent.
type Publisher struct {
	provider       ChannelProvider
	exchange       string
	confirmTimeout time.Duration
	logger         log.Logger
	tracer         trace.Tracer

	mu          sync.Mutex
	ch          ConfirmableChannel
	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error
	closed      bool
}

var _ outbox.Publisher = (*Publisher)(nil)

// NewPublisher builds a Publisher that sends to exchange with the event type
// as routing key.
func NewPublisher(provider ChannelProvider, exchange string, opts ...PublisherOption) (*Publisher, error) {
	if provider == nil {
		return nil, ErrChannelRequired
	}

	if exchange == "" {
		exchange = defaultExchange
	}

	p := &Publisher{
		provider:       provider,
		exchange:       exchange,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
		tracer:         otel.Tracer("rabbitmq"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// NewPublisherFromConnection builds a Publisher over conn's exchange and
// confirm timeout.
func NewPublisherFromConnection(conn *Connection, opts ...PublisherOption) (*Publisher, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	cfg := conn.Config()

	return NewPublisher(conn.ChannelProvider(), cfg.Exchange,
		append([]PublisherOption{WithConfirmTimeout(cfg.ConfirmTimeout)}, opts...)...)
}

// Publish sends msg persistently and waits for the broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, msg *outbox.Message) error {
	if p == nil {
		return faults.Configuration(publishOp, ErrPublisherRequired)
	}

	if msg == nil {
		return faults.Permanent(publishOp, outbox.ErrMessageRequired)
	}

	ctx, span := p.tracer.Start(ctx, publishOp, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", p.exchange),
		attribute.String("messaging.message.id", msg.ID.String()),
		attribute.String("outbox.event_type", msg.EventType),
	)

	if err := p.publish(ctx, msg); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to publish message", err)

		return err
	}

	return nil
}

func (p *Publisher) publish(ctx context.Context, msg *outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return faults.Configuration(publishOp, ErrPublisherClosed)
	}

	if err := p.ensureChannelLocked(ctx); err != nil {
		return err
	}

	headers := libOpentelemetry.PrepareQueueHeaders(ctx, map[string]any{
		"tenant_id":    msg.TenantID,
		"aggregate_id": msg.AggregateID,
		"event_type":   msg.EventType,
		"retry_count":  int32(msg.RetryCount),
	})

	publishing := amqp.Publishing{
		Headers:      amqp.Table(headers),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Timestamp:    msg.CreatedAt,
		Type:         msg.EventType,
		Body:         msg.Payload,
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, msg.EventType, false, false, publishing); err != nil {
		p.dropChannelLocked()

		return classifyPublishError(err)
	}

	if err := p.waitForConfirmLocked(ctx); err != nil {
		if !errors.Is(err, ErrPublishNacked) {
			// A late confirmation would pair with the next message.
			p.dropChannelLocked()
		}

		return faults.Transient(publishOp, err)
	}

	return nil
}

func (p *Publisher) ensureChannelLocked(ctx context.Context) error {
	if p.ch != nil {
		select {
		case amqpErr, ok := <-p.closeNotify:
			if ok && amqpErr != nil {
				p.logger.Log(ctx, log.LevelWarn, "rabbitmq channel closed by broker; reopening",
					log.Int("code", amqpErr.Code), log.String("reason", amqpErr.Reason))
			}

			p.dropChannelLocked()
		default:
			return nil
		}
	}

	ch, err := p.provider(ctx)
	if err != nil {
		return faults.Transient(publishOp, fmt.Errorf("open channel: %w", err))
	}

	if nilcheck.IsNil(ch) {
		return faults.Transient(publishOp, ErrChannelRequired)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return faults.Configuration(publishOp, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err))
	}

	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.closeNotify = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.ch = ch

	return nil
}

func (p *Publisher) dropChannelLocked() {
	if p.ch == nil {
		return
	}

	_ = p.ch.Close()

	p.ch = nil
	p.confirms = nil
	p.closeNotify = nil
}

func (p *Publisher) waitForConfirmLocked(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return ErrChannelClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-p.closeNotify:
		return ErrChannelClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("waiting for confirmation: %w", ctx.Err())
	}
}

// classifyPublishError treats missing exchanges and refused access as
// configuration problems; everything else is worth retrying.
func classifyPublishError(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && (amqpErr.Code == amqp.NotFound || amqpErr.Code == amqp.AccessRefused) {
		return faults.Configuration(publishOp, err)
	}

	return faults.Transient(publishOp, err)
}

// Close closes the current channel. Later Publish calls fail.
func (p *Publisher) Close() error {
	if p == nil {
		return ErrPublisherRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.dropChannelLocked()

	return nil
}
