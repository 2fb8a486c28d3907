// Package outbox implements the transactional outbox: messages are written in
// the same database transaction as the state change they describe and a
// background Processor later publishes them, oldest first within each
// aggregate, with at-least-once semantics.
package outbox
