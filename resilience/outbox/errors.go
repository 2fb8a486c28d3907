package outbox

import "errors"

var (
	ErrMessageRequired       = errors.New("outbox: message is required")
	ErrStoreRequired         = errors.New("outbox: store is required")
	ErrPublisherRequired     = errors.New("outbox: publisher is required")
	ErrInserterRequired      = errors.New("outbox: transactional inserter is required")
	ErrTxRequired            = errors.New("outbox: transaction is required")
	ErrAggregateIDRequired   = errors.New("outbox: aggregate id is required")
	ErrEventTypeRequired     = errors.New("outbox: event type is required")
	ErrPayloadRequired       = errors.New("outbox: payload is required")
	ErrPayloadTooLarge       = errors.New("outbox: payload exceeds maximum allowed size")
	ErrPayloadNotJSON        = errors.New("outbox: payload must be valid JSON")
	ErrMessageNotFound       = errors.New("outbox: message not found")
	ErrInvalidStatus         = errors.New("outbox: invalid status")
	ErrTransitionConflict    = errors.New("outbox: state transition conflict")
	ErrProcessorRunning      = errors.New("outbox: processor already running")
	ErrProcessorStopped      = errors.New("outbox: processor is stopped")
	ErrShutdownGraceExceeded = errors.New("outbox: shutdown grace period exceeded")
)
