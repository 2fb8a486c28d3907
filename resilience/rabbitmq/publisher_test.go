//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu          sync.Mutex
	confirmErr  error
	publishErr  error
	nack        bool
	silent      bool
	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error
	published   []amqp.Publishing
	keys        []string
	tag         uint64
	closed      bool
}

func (f *fakeChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closeNotify = c
	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.tag++

	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

type channelSource struct {
	mu       sync.Mutex
	channels []*fakeChannel
	opened   int
	err      error
}

func (s *channelSource) provide(context.Context) (ConfirmableChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	ch := s.channels[min(s.opened, len(s.channels)-1)]
	s.opened++

	return ch, nil
}

func newMessage(t *testing.T) *outbox.Message {
	t.Helper()

	return &outbox.Message{
		ID:          uuid.New(),
		TenantID:    "tenant-a",
		AggregateID: "sku-42",
		EventType:   "stock.adjusted",
		Payload:     []byte(`{"delta":-3}`),
		Status:      outbox.StatusProcessing,
		RetryCount:  1,
		CreatedAt:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewPublisherRequiresProvider(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil, "x")
	require.ErrorIs(t, err, ErrChannelRequired)

	_, err = NewPublisherFromConnection(nil)
	require.ErrorIs(t, err, ErrNilConnection)
}

func TestPublishWaitsForAck(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	source := &channelSource{channels: []*fakeChannel{ch}}

	pub, err := NewPublisher(source.provide, "inventory.events")
	require.NoError(t, err)

	msg := newMessage(t)
	require.NoError(t, pub.Publish(context.Background(), msg))
	require.NoError(t, pub.Publish(context.Background(), newMessage(t)))

	assert.Equal(t, 1, source.opened, "channel is reused while healthy")
	require.Len(t, ch.published, 2)

	sent := ch.published[0]
	assert.Equal(t, "stock.adjusted", ch.keys[0])
	assert.Equal(t, msg.ID.String(), sent.MessageId)
	assert.Equal(t, amqp.Persistent, sent.DeliveryMode)
	assert.Equal(t, msg.Payload, sent.Body)
	assert.Equal(t, "tenant-a", sent.Headers["tenant_id"])
	assert.Equal(t, "sku-42", sent.Headers["aggregate_id"])
	assert.Equal(t, int32(1), sent.Headers["retry_count"])
}

func TestNackIsTransientAndKeepsChannel(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{nack: true}
	source := &channelSource{channels: []*fakeChannel{ch}}

	pub, err := NewPublisher(source.provide, "inventory.events")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), newMessage(t))
	require.ErrorIs(t, err, ErrPublishNacked)
	assert.Equal(t, faults.KindTransient, faults.Classify(err))
	assert.False(t, ch.isClosed())
}

func TestConfirmTimeoutDropsChannel(t *testing.T) {
	t.Parallel()

	silent := &fakeChannel{silent: true}
	healthy := &fakeChannel{}
	source := &channelSource{channels: []*fakeChannel{silent, healthy}}

	pub, err := NewPublisher(source.provide, "inventory.events", WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), newMessage(t))
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, faults.IsRetryable(err))
	assert.True(t, silent.isClosed())

	require.NoError(t, pub.Publish(context.Background(), newMessage(t)))
	assert.Equal(t, 2, source.opened)
	assert.Len(t, healthy.published, 1)
}

func TestBrokerCloseReopensChannel(t *testing.T) {
	t.Parallel()

	first := &fakeChannel{}
	second := &fakeChannel{}
	source := &channelSource{channels: []*fakeChannel{first, second}}

	pub, err := NewPublisher(source.provide, "inventory.events")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), newMessage(t)))

	first.closeNotify <- &amqp.Error{Code: amqp.ChannelError, Reason: "gone"}

	require.NoError(t, pub.Publish(context.Background(), newMessage(t)))
	assert.Len(t, first.published, 1)
	assert.Len(t, second.published, 1)
}

func TestPublishErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{name: "missing exchange", err: &amqp.Error{Code: amqp.NotFound, Reason: "no exchange"}, want: faults.KindConfiguration},
		{name: "access refused", err: &amqp.Error{Code: amqp.AccessRefused}, want: faults.KindConfiguration},
		{name: "network", err: errors.New("broken pipe"), want: faults.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			source := &channelSource{channels: []*fakeChannel{{publishErr: tt.err}}}

			pub, err := NewPublisher(source.provide, "inventory.events")
			require.NoError(t, err)

			err = pub.Publish(context.Background(), newMessage(t))
			assert.Equal(t, tt.want, faults.Classify(err))
		})
	}
}

func TestChannelSetupFailures(t *testing.T) {
	t.Parallel()

	unreachable := &channelSource{err: errors.New("dial tcp: refused")}

	pub, err := NewPublisher(unreachable.provide, "")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), newMessage(t))
	assert.Equal(t, faults.KindTransient, faults.Classify(err))

	noConfirm := &channelSource{channels: []*fakeChannel{{confirmErr: errors.New("not supported")}}}

	pub, err = NewPublisher(noConfirm.provide, "")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), newMessage(t))
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
	assert.Equal(t, faults.KindConfiguration, faults.Classify(err))
}

func TestClosedPublisherRejects(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	source := &channelSource{channels: []*fakeChannel{ch}}

	pub, err := NewPublisher(source.provide, "inventory.events")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), newMessage(t)))
	require.NoError(t, pub.Close())
	assert.True(t, ch.isClosed())

	err = pub.Publish(context.Background(), newMessage(t))
	require.ErrorIs(t, err, ErrPublisherClosed)

	err = pub.Publish(context.Background(), nil)
	require.Error(t, err)

	var nilPub *Publisher
	require.ErrorIs(t, nilPub.Publish(context.Background(), newMessage(t)), ErrPublisherRequired)
}
