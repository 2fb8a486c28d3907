//go:build unit

package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type kindRecorder struct{}

func (kindRecorder) Transient(error) string     { return "transient" }
func (kindRecorder) Permanent(error) string     { return "permanent" }
func (kindRecorder) CircuitOpen(error) string   { return "circuit_open" }
func (kindRecorder) Configuration(error) string { return "configuration" }

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "permanent", KindPermanent.String())
	assert.Equal(t, "circuit_open", KindCircuitOpen.String())
	assert.Equal(t, "configuration", KindConfiguration.String())
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain error is transient", err: cause, want: KindTransient},
		{name: "deadline is transient", err: context.DeadlineExceeded, want: KindTransient},
		{name: "transient", err: Transient("stock.sync", cause), want: KindTransient},
		{name: "permanent", err: Permanent("stock.sync", cause), want: KindPermanent},
		{name: "circuit open", err: CircuitOpen("PaymentGateway", nil), want: KindCircuitOpen},
		{name: "configuration", err: Configuration("tenant", nil), want: KindConfiguration},
		{name: "wrapped permanent", err: fmt.Errorf("outer: %w", Permanent("op", cause)), want: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	t.Parallel()

	cause := errors.New("503")
	err := fmt.Errorf("wrap: %w", Transient("webhook.delivery", cause))

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrPermanent)

	assert.ErrorIs(t, CircuitOpen("PaymentGateway", nil), ErrCircuitOpen)
	assert.ErrorIs(t, Permanent("x", nil), ErrPermanent)
	assert.ErrorIs(t, Configuration("x", nil), ErrConfiguration)
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "circuit_open: PaymentGateway", CircuitOpen("PaymentGateway", nil).Error())
	assert.Equal(t, "permanent: op: bad payload", Permanent("op", errors.New("bad payload")).Error())
	assert.Equal(t, "transient: boom", (&Error{Kind: KindTransient, Err: errors.New("boom")}).Error())
	assert.Equal(t, "configuration", (&Error{Kind: KindConfiguration}).Error())
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(errors.New("x")))
	assert.True(t, IsRetryable(CircuitOpen("b", nil)))
	assert.False(t, IsRetryable(Permanent("op", nil)))
	assert.False(t, IsRetryable(Configuration("op", nil)))
	assert.False(t, IsRetryable(nil))
}

func TestVisitDispatchesEveryKind(t *testing.T) {
	t.Parallel()

	v := kindRecorder{}

	assert.Equal(t, "transient", Visit[string](errors.New("x"), v))
	assert.Equal(t, "permanent", Visit[string](Permanent("op", nil), v))
	assert.Equal(t, "circuit_open", Visit[string](CircuitOpen("b", nil), v))
	assert.Equal(t, "configuration", Visit[string](Configuration("c", nil), v))
}
