package retryqueue

import "errors"

var (
	// ErrStoreRequired indicates a nil Store.
	ErrStoreRequired = errors.New("retryqueue: store is required")
	// ErrQueueRequired indicates a nil Queue.
	ErrQueueRequired = errors.New("retryqueue: queue is required")
	// ErrOperationKeyRequired indicates an empty operation key.
	ErrOperationKeyRequired = errors.New("retryqueue: operation key is required")
	// ErrHandlerRequired indicates a nil Handler.
	ErrHandlerRequired = errors.New("retryqueue: handler is required")
	// ErrHandlerAlreadyRegistered indicates a duplicate operation key.
	ErrHandlerAlreadyRegistered = errors.New("retryqueue: handler already registered")
	// ErrHandlerNotRegistered indicates a claimed entry with no handler.
	ErrHandlerNotRegistered = errors.New("retryqueue: handler not registered")
	// ErrEntryNotFound indicates an unknown entry id for the current tenant.
	ErrEntryNotFound = errors.New("retryqueue: entry not found")
	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("retryqueue: invalid status")
	// ErrTransitionConflict indicates a conditional update lost to another
	// worker or found the entry in an unexpected state.
	ErrTransitionConflict = errors.New("retryqueue: state transition conflict")
	// ErrWorkerRunning indicates Run was called twice.
	ErrWorkerRunning = errors.New("retryqueue: worker already running")
	// ErrShutdownGraceExceeded indicates in-flight attempts were cancelled
	// because they outlived the shutdown grace period.
	ErrShutdownGraceExceeded = errors.New("retryqueue: shutdown grace period exceeded")
)
