//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	NopLogger
	level   Level
	entries []string
	fields  [][]Field
}

func (r *recordingLogger) Log(_ context.Context, _ Level, msg string, fields ...Field) {
	r.entries = append(r.entries, msg)
	r.fields = append(r.fields, fields)
}

func (r *recordingLogger) Enabled(level Level) bool { return r.level >= level }

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{input: "debug", expected: LevelDebug},
		{input: "INFO", expected: LevelInfo},
		{input: "warning", expected: LevelWarn},
		{input: " WaRn ", expected: LevelWarn},
		{input: "error", expected: LevelError},
		{input: "fatal", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), LevelError, "dropped", String("k", "v"))
	})
	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(Int("n", 1)))
	assert.Same(t, logger, logger.WithGroup("g"))
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	assert.IsType(t, &NopLogger{}, OrNop(nil))

	rec := &recordingLogger{}
	assert.Same(t, rec, OrNop(rec))
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	t.Run("production hides message", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{level: LevelDebug}
		SafeError(context.Background(), rec, "delivery failed", errors.New("secret=abc"), true)

		require.Len(t, rec.entries, 1)
		require.Len(t, rec.fields[0], 1)
		assert.Equal(t, "error_type", rec.fields[0][0].Key)
		assert.Equal(t, "*errors.errorString", rec.fields[0][0].Value)
	})

	t.Run("non-production keeps error", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{level: LevelDebug}
		err := errors.New("boom")
		SafeError(context.Background(), rec, "delivery failed", err, false, String("tenant_id", "t1"))

		require.Len(t, rec.fields, 1)
		assert.Equal(t, []Field{String("tenant_id", "t1"), Err(err)}, rec.fields[0])
	})

	t.Run("nil error is ignored", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{level: LevelDebug}
		SafeError(context.Background(), rec, "noop", nil, false)
		assert.Empty(t, rec.entries)
	})

	t.Run("nil logger is ignored", func(t *testing.T) {
		t.Parallel()

		assert.NotPanics(t, func() {
			SafeError(context.Background(), nil, "noop", errors.New("x"), false)
		})
	})
}

func TestExternalStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "external system returned status 502", ExternalStatus(502))
}

func TestTenantHashField(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Field{Key: "tenant_id", Value: "ab12"}, TenantHash("ab12"))
}
