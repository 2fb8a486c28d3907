package runtime

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
)

// PanicPolicy decides what happens after a goroutine panic is recovered.
type PanicPolicy int

const (
	// KeepRunning logs, reports and swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess logs, reports and then re-panics.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "keep_running"
	case CrashProcess:
		return "crash_process"
	default:
		return "unknown"
	}
}

// SafeGoWithContextAndComponent runs fn in a goroutine that recovers
// panics, logs them with the stack, records the panic metric and reports to
// the configured ErrorReporter.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(ctx context.Context),
) {
	go func() {
		defer recoverWithPolicy(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

// RecoverAndLogWithContext is meant to be deferred; it recovers and logs a
// panic and lets the caller continue.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)
	}
}

func recoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	recovered := recover()
	if recovered == nil {
		return
	}

	HandlePanicValue(ctx, logger, recovered, component, name)

	if policy == CrashProcess {
		panic(recovered)
	}
}

// HandlePanicValue performs the observability side of a recovered panic
// without recovering itself. Callers that already hold the value use this.
func HandlePanicValue(ctx context.Context, logger log.Logger, recovered any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	logPanicWithStack(ctx, logger, component, name, recovered, stack)
	recordPanicMetric(ctx, component, name)
	reportPanic(ctx, recovered, stack, component, name)
}

func logPanicWithStack(ctx context.Context, logger log.Logger, component, name string, recovered any, stack []byte) {
	if logger == nil {
		fmt.Fprintf(os.Stderr, "panic recovered in %s/%s: %v\n%s", component, name, recovered, stack)
		return
	}

	fields := []log.Field{
		log.String("component", component),
		log.String("goroutine_name", name),
		log.String("panic_value", fmt.Sprint(recovered)),
	}

	if !IsProductionMode() {
		fields = append(fields, log.String("stack", string(stack)))
	}

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}
