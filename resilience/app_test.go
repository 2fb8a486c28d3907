//go:build unit

package resilience

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubApp struct {
	runs *atomic.Int32
	err  error
}

func (s *stubApp) Run(_ *Launcher) error {
	if s.runs != nil {
		s.runs.Add(1)
	}

	return s.err
}

func TestLauncher_Add(t *testing.T) {
	t.Parallel()

	t.Run("nil_receiver", func(t *testing.T) {
		t.Parallel()

		var l *Launcher
		assert.ErrorIs(t, l.Add("app", &stubApp{}), ErrNilLauncher)
	})

	t.Run("nil_app", func(t *testing.T) {
		t.Parallel()

		assert.ErrorIs(t, NewLauncher().Add("app", nil), ErrNilApp)
	})

	t.Run("blank_name", func(t *testing.T) {
		t.Parallel()

		assert.ErrorIs(t, NewLauncher().Add("  ", &stubApp{}), ErrEmptyApp)
	})
}

func TestLauncher_RunWithError(t *testing.T) {
	t.Parallel()

	t.Run("requires_logger", func(t *testing.T) {
		t.Parallel()

		assert.ErrorIs(t, NewLauncher().RunWithError(), ErrLoggerNil)
	})

	t.Run("surfaces_registration_errors", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher(WithLogger(log.NewNop()), RunApp("", &stubApp{}))

		err := l.RunWithError()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfigFailed)
		assert.ErrorIs(t, err, ErrEmptyApp)
	})

	t.Run("runs_every_app", func(t *testing.T) {
		t.Parallel()

		var runs atomic.Int32

		l := NewLauncher(
			WithLogger(log.NewNop()),
			RunApp("retry-worker", &stubApp{runs: &runs}),
			RunApp("outbox-processor", &stubApp{runs: &runs, err: errors.New("stopped")}),
			RunApp("audit-fallback", &stubApp{runs: &runs}),
		)

		require.NoError(t, l.RunWithError())
		assert.Equal(t, int32(3), runs.Load())
	})
}
