package runtime

import (
	"context"
	"fmt"
	"sync"
)

// ErrorReporter forwards recovered panics to an external tracker.
// Implementations must be safe for concurrent use and must not panic.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

var (
	errorReporterInstance ErrorReporter
	errorReporterMu       sync.RWMutex

	productionMode   bool
	productionModeMu sync.RWMutex
)

const redactedPanicMsg = "panic recovered (details redacted)"

// SetErrorReporter installs reporter; nil disables reporting.
func SetErrorReporter(reporter ErrorReporter) {
	errorReporterMu.Lock()
	defer errorReporterMu.Unlock()

	errorReporterInstance = reporter
}

// GetErrorReporter returns the installed reporter or nil.
//
//nolint:ireturn
func GetErrorReporter() ErrorReporter {
	errorReporterMu.RLock()
	defer errorReporterMu.RUnlock()

	return errorReporterInstance
}

// SetProductionMode toggles redaction of panic values and stacks.
func SetProductionMode(enabled bool) {
	productionModeMu.Lock()
	defer productionModeMu.Unlock()

	productionMode = enabled
}

// IsProductionMode reports whether redaction is on.
func IsProductionMode() bool {
	productionModeMu.RLock()
	defer productionModeMu.RUnlock()

	return productionMode
}

func reportPanic(ctx context.Context, recovered any, stack []byte, component, name string) {
	reporter := GetErrorReporter()
	if reporter == nil {
		return
	}

	tags := map[string]string{
		"component":      component,
		"goroutine_name": name,
	}

	var err error

	if IsProductionMode() {
		err = fmt.Errorf("%s", redactedPanicMsg)
	} else {
		err = fmt.Errorf("panic: %v", recovered)
		tags["stack"] = string(stack)
	}

	reporter.CaptureException(ctx, err, tags)
}
