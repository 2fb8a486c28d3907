package circuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

func convertGobreakerState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// Snapshot is a point-in-time copy of a breaker. It shares nothing with the
// breaker it was taken from.
type Snapshot struct {
	Name  string
	State State
	// FailureCount is the failure tally that drives tripping: the current
	// Closed count, or the count that tripped an Open or HalfOpen breaker.
	FailureCount uint32
	// SuccessCount is successes since the last state change.
	SuccessCount      uint32
	FailureThreshold  uint32
	OpenDuration      time.Duration
	LastStateChangeAt time.Time
	ProbeInFlight     bool
}

// StateChangeListener is notified after a breaker changes state. Listeners
// run on their own goroutine and must not assume ordering across calls.
type StateChangeListener interface {
	OnStateChange(ctx context.Context, name string, from, to State)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(ctx context.Context, name string, from, to State)

// OnStateChange implements StateChangeListener.
func (f StateChangeFunc) OnStateChange(ctx context.Context, name string, from, to State) {
	f(ctx, name, from, to)
}
