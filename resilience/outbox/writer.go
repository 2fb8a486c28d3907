package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
)

// Emitter records an event inside the transaction it was handed with.
type Emitter func(aggregateID, eventType string, payload []byte) (*Message, error)

// Writer is the write side of the outbox, used by business code.
type Writer struct {
	inserter TxInserter
}

// NewWriter returns a Writer that inserts through inserter.
func NewWriter(inserter TxInserter) (*Writer, error) {
	if nilcheck.IsNil(inserter) {
		return nil, ErrInserterRequired
	}

	return &Writer{inserter: inserter}, nil
}

// Write records an event in tx. It commits or rolls back with tx.
func (w *Writer) Write(ctx context.Context, tx Tx, aggregateID, eventType string, payload []byte) (*Message, error) {
	if tx == nil {
		return nil, ErrTxRequired
	}

	if _, err := tenant.Require(ctx, "outbox.write"); err != nil {
		return nil, err
	}

	msg, err := NewMessage(ctx, aggregateID, eventType, payload)
	if err != nil {
		return nil, err
	}

	if err := w.inserter.InsertWithTx(ctx, tx, msg); err != nil {
		return nil, fmt.Errorf("outbox write: %w", err)
	}

	return msg, nil
}

// WithinTx runs fn in a new transaction on db. Events emitted by fn are
// committed together with fn's own writes, or not at all.
func (w *Writer) WithinTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx Tx, emit Emitter) error) ([]*Message, error) {
	if _, err := tenant.Require(ctx, "outbox.write"); err != nil {
		return nil, err
	}

	return postgres.WithTxOrExisting(ctx, db, nil, func(tx *sql.Tx) ([]*Message, error) {
		var written []*Message

		emit := func(aggregateID, eventType string, payload []byte) (*Message, error) {
			msg, err := w.Write(ctx, tx, aggregateID, eventType, payload)
			if err != nil {
				return nil, err
			}

			written = append(written, msg)

			return msg, nil
		}

		if err := fn(ctx, tx, emit); err != nil {
			return nil, err
		}

		return written, nil
	})
}
