// Package rabbitmq publishes outbox messages to a RabbitMQ exchange with
// publisher confirms, so a message is only marked processed after the broker
// has taken responsibility for it.
package rabbitmq
