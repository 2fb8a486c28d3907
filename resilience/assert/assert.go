// Package assert checks lifecycle invariants at runtime. A violated
// invariant is returned as an error and also logged, counted and attached to
// the active span, so state machines can refuse an illegal transition
// instead of persisting it.
package assert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrAssertionFailed is the sentinel wrapped by every AssertionError.
var ErrAssertionFailed = errors.New("assertion failed")

// SpanEventName is the span event recorded on failure.
const SpanEventName = "assertion.failed"

// AssertionError describes a violated invariant.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
}

func (e *AssertionError) Error() string {
	if e == nil {
		return ErrAssertionFailed.Error()
	}

	if e.Component == "" {
		return "assertion failed: " + e.Message
	}

	return fmt.Sprintf("assertion failed in %s/%s: %s", e.Component, e.Operation, e.Message)
}

// Unwrap returns ErrAssertionFailed.
func (e *AssertionError) Unwrap() error { return ErrAssertionFailed }

// Asserter evaluates invariants for one component and operation.
type Asserter struct {
	logger    log.Logger
	component string
	operation string
}

// New creates an Asserter. logger may be nil.
func New(logger log.Logger, component, operation string) *Asserter {
	return &Asserter{logger: log.OrNop(logger), component: component, operation: operation}
}

// That fails when ok is false. kv holds alternating keys and values.
func (a *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return a.fail(ctx, "That", msg, kv...)
}

// NotEmpty fails when s is empty.
func (a *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if s != "" {
		return nil
	}

	return a.fail(ctx, "NotEmpty", msg, kv...)
}

// NotNil fails when v is nil, including typed nils.
func (a *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !nilcheck.IsNil(v) {
		return nil
	}

	return a.fail(ctx, "NotNil", msg, kv...)
}

// Never always fails; use it on unreachable branches.
func (a *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return a.fail(ctx, "Never", msg, kv...)
}

const maxValueLength = 200

func truncate(v any) string {
	s := fmt.Sprint(v)
	if len(s) <= maxValueLength {
		return s
	}

	return s[:maxValueLength] + "...(+" + strconv.Itoa(len(s)-maxValueLength) + ")"
}

func (a *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if a == nil {
		a = New(nil, "", "")
	}

	fields := []log.Field{
		log.String("assertion", assertion),
		log.String("component", a.component),
		log.String("operation", a.operation),
	}

	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])

		value := "MISSING_VALUE"
		if i+1 < len(kv) {
			value = truncate(kv[i+1])
		}

		fields = append(fields, log.String(key, value))
	}

	a.logger.Log(ctx, log.LevelError, "assertion failed: "+msg, fields...)

	recordMetric(ctx, a.component, a.operation, assertion)
	recordSpan(ctx, assertion, msg, a.component, a.operation)

	return &AssertionError{Assertion: assertion, Message: msg, Component: a.component, Operation: a.operation}
}

func recordSpan(ctx context.Context, assertion, msg, component, operation string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(SpanEventName, trace.WithAttributes(
		attribute.String("assertion.name", assertion),
		attribute.String("assertion.message", msg),
		attribute.String("assertion.component", component),
		attribute.String("assertion.operation", operation),
	))
	span.RecordError(fmt.Errorf("%w: %s", ErrAssertionFailed, msg))
	span.SetStatus(codes.Error, "assertion failed in "+component+"/"+operation)
}

var (
	metricsFactory   *metrics.MetricsFactory
	metricsFactoryMu sync.RWMutex
)

// InitAssertionMetrics enables the failure counter. Later calls replace the factory.
func InitAssertionMetrics(factory *metrics.MetricsFactory) {
	metricsFactoryMu.Lock()
	defer metricsFactoryMu.Unlock()

	metricsFactory = factory
}

func recordMetric(ctx context.Context, component, operation, assertion string) {
	metricsFactoryMu.RLock()
	factory := metricsFactory
	metricsFactoryMu.RUnlock()

	if factory == nil {
		return
	}

	counter, err := factory.Counter(metrics.MetricAssertionFailed)
	if err != nil {
		return
	}

	_ = counter.WithLabels(map[string]string{
		"component": metrics.SanitizeLabel(component),
		"operation": metrics.SanitizeLabel(operation),
		"assertion": assertion,
	}).AddOne(ctx)
}
