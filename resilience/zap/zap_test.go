//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)

	return NewWithCore(core), observed
}

func TestNilLoggerFallsBackToNop(t *testing.T) {
	t.Parallel()

	var nilLogger *Logger

	assert.NotPanics(t, func() {
		nilLogger.Log(context.Background(), logpkg.LevelInfo, "message")
	})
	assert.NotPanics(t, func() {
		(&Logger{}).Log(context.Background(), logpkg.LevelError, "message")
	})
}

func TestLogLevels(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.DebugLevel)
	ctx := context.Background()

	logger.Log(ctx, logpkg.LevelDebug, "debug")
	logger.Log(ctx, logpkg.LevelInfo, "info", logpkg.String("tenant_id", "t-1"))
	logger.Log(ctx, logpkg.LevelWarn, "warn")
	logger.Log(ctx, logpkg.LevelError, "error", logpkg.Err(errors.New("boom")))

	entries := observed.All()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "t-1", entries[1].ContextMap()["tenant_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestEnabledRespectsCoreLevel(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.WarnLevel)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.True(t, logger.Enabled(logpkg.LevelWarn))
	assert.False(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestWithAndWithGroup(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	child := logger.With(logpkg.String("component", "outbox"))
	child.Log(context.Background(), logpkg.LevelInfo, "claimed")

	grouped := logger.WithGroup("retry")
	grouped.Log(context.Background(), logpkg.LevelInfo, "scheduled", logpkg.Int("attempt", 2))

	entries := observed.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "outbox", entries[0].ContextMap()["component"])

	group, ok := entries[1].ContextMap()["retry"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, group["attempt"])
}

func TestLogAppendsTraceCorrelation(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.Log(ctx, logpkg.LevelInfo, "traced")

	fields := observed.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
}

func TestLogEscapesControlCharacters(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "line1\nline2", logpkg.String("url", "http://x\r\nInjected: 1"))

	entry := observed.All()[0]
	assert.Equal(t, `line1\nline2`, entry.Message)
	assert.Equal(t, `http://x\r\nInjected: 1`, entry.ContextMap()["url"])
}

func TestSyncHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, logger.Sync(ctx), context.Canceled)
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, _, err := New(Config{Environment: EnvironmentLocal})
	require.Error(t, err)

	_, _, err = New(Config{Environment: "moon", OTelLibraryName: "svc"})
	require.Error(t, err)

	_, _, err = New(Config{Environment: EnvironmentLocal, OTelLibraryName: "svc", Level: "loud"})
	require.Error(t, err)
}

func TestNewResolvesLevelByEnvironment(t *testing.T) {
	t.Parallel()

	logger, level, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "svc"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level.Level())
	assert.True(t, logger.Enabled(logpkg.LevelDebug))

	_, level, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "svc"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	_, level, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "svc", Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}
