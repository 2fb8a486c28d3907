//go:build unit

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "resilienced.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddress)
	assert.Equal(t, 5, cfg.RetryQueue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryQueue.Backoff.Base)
	assert.Equal(t, 5*time.Second, cfg.RetryQueue.Worker.PollInterval)
	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
	assert.EqualValues(t, 5, cfg.CircuitBreakers.Dependency.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreakers.Dependency.OpenDuration)
	assert.True(t, cfg.Webhook.RetryFailed)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Client.Timeout)
	assert.Equal(t, "memory", cfg.AuditFallback.Backend)
	assert.Equal(t, []string{"pending", "in_transit"}, cfg.Transfers.OpenStatuses)

	th := cfg.Diagnostics.Thresholds
	assert.EqualValues(t, 50, th.RetryPendingDegraded)
	assert.EqualValues(t, 200, th.RetryPendingUnhealthy)
	assert.EqualValues(t, 20, th.RetryDeadLetteredDegraded)
	assert.EqualValues(t, 100, th.OutboxPendingDegraded)
	assert.EqualValues(t, 500, th.OutboxPendingUnhealthy)
	assert.EqualValues(t, 10, th.OutboxFailedDegraded)
	assert.EqualValues(t, 100, th.AuditFallbackDegraded)
	assert.EqualValues(t, 500, th.AuditFallbackUnhealthy)
	assert.EqualValues(t, 5, th.OverdueTransfersDegraded)
	assert.EqualValues(t, 20, th.OverdueTransfersUnhealthy)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
environment: staging
storage: postgres
tenants: [tenant-a, tenant-b]
postgres:
  primary_dsn: postgres://resilience@db:5432/resilience
circuit_breakers:
  dependency:
    failure_threshold: 3
    open_duration: 45s
retry_queue:
  max_attempts: 3
  backoff:
    base: 2s
  worker:
    concurrency: 8
diagnostics:
  thresholds:
    outbox_pending_degraded: 10
    outbox_pending_unhealthy: 40
webhook:
  client:
    rate_limit: 25
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, cfg.Tenants)
	assert.Equal(t, "postgres://resilience@db:5432/resilience", cfg.Postgres.PrimaryDSN)
	assert.EqualValues(t, 3, cfg.CircuitBreakers.Dependency.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.CircuitBreakers.Dependency.OpenDuration)
	assert.Equal(t, 3, cfg.RetryQueue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryQueue.Backoff.Base)
	assert.Equal(t, 5*time.Minute, cfg.RetryQueue.Backoff.Max)
	assert.Equal(t, 8, cfg.RetryQueue.Worker.Concurrency)
	assert.EqualValues(t, 10, cfg.Diagnostics.Thresholds.OutboxPendingDegraded)
	assert.EqualValues(t, 40, cfg.Diagnostics.Thresholds.OutboxPendingUnhealthy)
	assert.EqualValues(t, 200, cfg.Diagnostics.Thresholds.RetryPendingUnhealthy)
	assert.InDelta(t, 25.0, cfg.Webhook.Client.RateLimit, 0.001)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("RESILIENCE_OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("RESILIENCE_DIAGNOSTICS_THRESHOLDS_RETRY_PENDING_DEGRADED", "7")
	t.Setenv("RESILIENCE_SERVER_ADDRESS", ":9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.EqualValues(t, 7, cfg.Diagnostics.Thresholds.RetryPendingDegraded)
	assert.Equal(t, ":9090", cfg.Server.Address)
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"unknown environment", "environment: moon\n"},
		{"unknown storage", "storage: sqlite\n"},
		{"postgres without dsn", "storage: postgres\n"},
		{"redis audit buffer without redis", "audit_fallback:\n  backend: redis\n"},
		{"chaos in production", "environment: production\nchaos:\n  file: chaos.yaml\n"},
		{"inverted thresholds", "diagnostics:\n  thresholds:\n    outbox_pending_degraded: 600\n"},
		{"telemetry without endpoint", "telemetry:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
