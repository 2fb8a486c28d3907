// Package faults defines the failure taxonomy shared by the breaker, retry
// queue, outbox and webhook workers.
//
// Every failure is exactly one Kind. Worker boundaries dispatch on the kind
// through Visit, whose Visitor interface forces a handler for each kind, so
// adding a kind breaks every boundary at compile time until it is handled.
package faults

import (
	"errors"
	"fmt"
)

// Kind discriminates failures.
type Kind uint8

const (
	// KindTransient is retryable: routed into the retry queue or outbox retry path.
	KindTransient Kind = iota + 1
	// KindPermanent is not retryable: dead-lettered or failed without
	// consuming retry budget.
	KindPermanent
	// KindCircuitOpen is a deliberate fail-fast from an open breaker.
	KindCircuitOpen
	// KindConfiguration is fatal at startup or first use and must surface.
	KindConfiguration
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCircuitOpen:
		return "circuit_open"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Sentinels matched with errors.Is against any *Error of the same kind.
var (
	ErrTransient     = errors.New("transient dependency failure")
	ErrPermanent     = errors.New("permanent failure")
	ErrCircuitOpen   = errors.New("circuit open")
	ErrConfiguration = errors.New("configuration error")
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation or dependency that failed, e.g. a breaker name
	// or an operation key.
	Op  string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTransient:
		return target == ErrTransient
	case KindPermanent:
		return target == ErrPermanent
	case KindCircuitOpen:
		return target == ErrCircuitOpen
	case KindConfiguration:
		return target == ErrConfiguration
	default:
		return false
	}
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure of op.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// CircuitOpen reports that breaker refused the call.
func CircuitOpen(breaker string, err error) error {
	return &Error{Kind: KindCircuitOpen, Op: breaker, Err: err}
}

// Configuration reports a fatal misconfiguration in op.
func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// Classify returns the kind of err, or 0 for nil. Unclassified errors,
// including context expiry, are transient.
func Classify(err error) Kind {
	if err == nil {
		return 0
	}

	var classified *Error
	if errors.As(err, &classified) && classified.Kind != 0 {
		return classified.Kind
	}

	return KindTransient
}

// IsRetryable reports whether err should consume retry budget.
func IsRetryable(err error) bool {
	k := Classify(err)

	return k == KindTransient || k == KindCircuitOpen
}

// Visitor handles each failure kind. Implementations must cover all kinds.
type Visitor[T any] interface {
	Transient(err error) T
	Permanent(err error) T
	CircuitOpen(err error) T
	Configuration(err error) T
}

// Visit dispatches err to the handler for its kind. err must be non-nil.
func Visit[T any](err error, v Visitor[T]) T {
	switch Classify(err) {
	case KindPermanent:
		return v.Permanent(err)
	case KindCircuitOpen:
		return v.CircuitOpen(err)
	case KindConfiguration:
		return v.Configuration(err)
	default:
		return v.Transient(err)
	}
}
