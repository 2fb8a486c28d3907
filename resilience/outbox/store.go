package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the caller's business transaction.
type Tx = *sql.Tx

// Store persists outbox messages. Every method is scoped to the tenant in
// ctx and must filter by it in the query itself.
type Store interface {
	// Insert stores msg outside any business transaction.
	Insert(ctx context.Context, msg *Message) error
	// Claim moves up to limit messages from Pending to Processing. Only the
	// oldest Pending message of an aggregate is eligible, and only when no
	// other message of that aggregate is Processing.
	Claim(ctx context.Context, limit int) ([]*Message, error)
	// ClaimByID claims one message if it is Pending and at the head of its
	// aggregate. It returns (nil, nil) when the message is not claimable.
	ClaimByID(ctx context.Context, id uuid.UUID) (*Message, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	// MarkRetry returns a Processing message to Pending.
	MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error
	// ResetStuckProcessing returns messages claimed before processingBefore
	// to Pending without touching their retry count.
	ResetStuckProcessing(ctx context.Context, processingBefore time.Time, limit int) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListFailed returns Failed messages, most recently updated first.
	ListFailed(ctx context.Context, limit int) ([]*Message, error)
	Stats(ctx context.Context) (Stats, error)
	// ListTenants returns tenants with Pending or Processing messages.
	ListTenants(ctx context.Context) ([]string, error)
}

// TxInserter writes a message inside the caller's transaction.
type TxInserter interface {
	InsertWithTx(ctx context.Context, tx Tx, msg *Message) error
}
