package rabbitmq

import (
	"fmt"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const deadLetterSuffix = ".dlx"

// TopologyChannel is the subset of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology declares cfg.Exchange. With cfg.DeadLetterQueue set it also
// declares a fanout dead-letter exchange named after the publish exchange and
// binds the queue to it, so consumers can reference the exchange through
// x-dead-letter-exchange.
func DeclareTopology(ch TopologyChannel, cfg Config) error {
	if nilcheck.IsNil(ch) {
		return ErrChannelRequired
	}

	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}

	if cfg.ExchangeType == "" {
		cfg.ExchangeType = defaultExchangeType
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}

	if cfg.DeadLetterQueue == "" {
		return nil
	}

	dlx := DeadLetterExchange(cfg.Exchange)

	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %q: %w", dlx, err)
	}

	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %q: %w", cfg.DeadLetterQueue, err)
	}

	if err := ch.QueueBind(cfg.DeadLetterQueue, "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %q: %w", cfg.DeadLetterQueue, err)
	}

	return nil
}

// DeadLetterExchange names the dead-letter exchange paired with exchange.
func DeadLetterExchange(exchange string) string {
	return exchange + deadLetterSuffix
}

// DeadLetterArgs returns queue arguments routing rejected deliveries of a
// consumer queue to the dead-letter exchange of exchange.
func DeadLetterArgs(exchange string) amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": DeadLetterExchange(exchange)}
}
