//go:build unit

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/abrkgrbz/Stocker-sub077/resilience/circuitbreaker"
	"github.com/abrkgrbz/Stocker-sub077/resilience/diagnostics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/abrkgrbz/Stocker-sub077/resilience/retryqueue"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/abrkgrbz/Stocker-sub077/resilience/webhook"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	report   diagnostics.Report
	tenantID string
}

func (s *stubChecker) Check(ctx context.Context) diagnostics.Report {
	s.tenantID, _ = tenant.FromContext(ctx)

	return s.report
}

type stubRetry struct {
	stats retryqueue.Stats
	err   error
	limit int
}

func (s *stubRetry) GetStats(ctx context.Context) (retryqueue.Stats, error) {
	if _, err := tenant.Require(ctx, "test.retry_stats"); err != nil {
		return retryqueue.Stats{}, err
	}

	return s.stats, s.err
}

func (s *stubRetry) ListDeadLettered(_ context.Context, limit int) ([]*retryqueue.Entry, error) {
	s.limit = limit

	return []*retryqueue.Entry{{OperationKey: "stock.reserve"}}, s.err
}

type stubOutbox struct {
	err error
}

func (s stubOutbox) GetStats(context.Context) (outbox.Stats, error) {
	return outbox.Stats{Failed: 3}, s.err
}

func (s stubOutbox) ListFailed(context.Context, int) ([]*outbox.Message, error) {
	return nil, s.err
}

type stubDeliveries struct{}

func (stubDeliveries) GetRecentDeliveries(context.Context, int) ([]*webhook.Delivery, error) {
	return nil, nil
}

func doRequest(t *testing.T, app *fiber.App, path string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { require.NoError(t, resp.Body.Close()) }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func TestHealthStatusFollowsVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		verdict diagnostics.Verdict
		status  int
	}{
		{name: "healthy", verdict: diagnostics.Healthy, status: http.StatusOK},
		{name: "degraded", verdict: diagnostics.Degraded, status: http.StatusOK},
		{name: "unhealthy", verdict: diagnostics.Unhealthy, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			checker := &stubChecker{report: diagnostics.Report{Verdict: tt.verdict, Message: "msg"}}
			app := NewApp(Routes{Health: checker}, nil)

			resp, body := doRequest(t, app, "/health", nil)
			assert.Equal(t, tt.status, resp.StatusCode)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal(body, &decoded))
			assert.Equal(t, tt.verdict.String(), decoded["verdict"])
			assert.Equal(t, "msg", decoded["message"])
		})
	}
}

func TestHealthScopesToTenantHeader(t *testing.T) {
	t.Parallel()

	checker := &stubChecker{}
	app := NewApp(Routes{Health: checker}, nil)

	resp, _ := doRequest(t, app, "/health", map[string]string{HeaderTenantID: " acme "})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acme", checker.tenantID)

	_, _ = doRequest(t, app, "/health", nil)
	assert.Empty(t, checker.tenantID)
}

func TestLiveness(t *testing.T) {
	t.Parallel()

	app := NewApp(Routes{}, nil)

	resp, body := doRequest(t, app, "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	resp, _ = doRequest(t, app, "/health", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTenantScopedEndpointsRequireHeader(t *testing.T) {
	t.Parallel()

	app := NewApp(Routes{RetryQueue: &stubRetry{}, Outbox: stubOutbox{}, Webhooks: stubDeliveries{}}, nil)

	for _, path := range []string{
		"/diagnostics/retry-queue",
		"/diagnostics/retry-queue/dead-letters",
		"/diagnostics/outbox",
		"/diagnostics/outbox/failed",
		"/diagnostics/webhooks/deliveries",
	} {
		resp, body := doRequest(t, app, path, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)

		var decoded ErrorResponse
		require.NoError(t, json.Unmarshal(body, &decoded))
		assert.Contains(t, decoded.Message, HeaderTenantID)
	}
}

func TestRetryEndpoints(t *testing.T) {
	t.Parallel()

	retry := &stubRetry{stats: retryqueue.Stats{Pending: 7, DeadLettered: 1}}
	app := NewApp(Routes{RetryQueue: retry}, nil)
	headers := map[string]string{HeaderTenantID: "acme"}

	resp, body := doRequest(t, app, "/diagnostics/retry-queue", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats retryqueue.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(7), stats.Pending)

	resp, _ = doRequest(t, app, "/diagnostics/retry-queue/dead-letters?limit=5000", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, maxListLimit, retry.limit)

	_, _ = doRequest(t, app, "/diagnostics/retry-queue/dead-letters?limit=nope", headers)
	assert.Equal(t, defaultListLimit, retry.limit)
}

func TestRecentDeliveriesNeverNull(t *testing.T) {
	t.Parallel()

	app := NewApp(Routes{Webhooks: stubDeliveries{}}, nil)

	resp, body := doRequest(t, app, "/diagnostics/webhooks/deliveries", map[string]string{HeaderTenantID: "acme"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestErrorsMapByKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "transient", err: faults.Transient("op", errors.New("timeout")), status: http.StatusServiceUnavailable},
		{name: "circuit open", err: faults.CircuitOpen("op", errors.New("open")), status: http.StatusServiceUnavailable},
		{name: "permanent", err: faults.Permanent("op", errors.New("bad")), status: http.StatusUnprocessableEntity},
		{name: "configuration", err: faults.Configuration("op", errors.New("cfg")), status: http.StatusBadRequest},
		{name: "unclassified", err: errors.New("boom"), status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := NewApp(Routes{Outbox: stubOutbox{err: tt.err}}, nil)

			resp, body := doRequest(t, app, "/diagnostics/outbox", map[string]string{HeaderTenantID: "acme"})
			assert.Equal(t, tt.status, resp.StatusCode)

			var decoded ErrorResponse
			require.NoError(t, json.Unmarshal(body, &decoded))
			assert.Equal(t, tt.status, decoded.Code)
			assert.NotEmpty(t, decoded.Title)
		})
	}
}

func TestBreakersAndMetrics(t *testing.T) {
	t.Parallel()

	registry := circuitbreaker.NewRegistry(nil)
	_, err := registry.GetOrCreate("inventory-api", circuitbreaker.DefaultConfig())
	require.NoError(t, err)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "resilience_test_gauge", Help: "test"})
	gauge.Set(3)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(gauge)

	app := NewApp(Routes{Breakers: registry, Metrics: promRegistry}, nil)

	resp, body := doRequest(t, app, "/diagnostics/breakers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "inventory-api")

	resp, body = doRequest(t, app, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "resilience_test_gauge 3")
}

func TestVersion(t *testing.T) {
	t.Parallel()

	app := NewApp(Routes{Version: "1.2.3"}, nil)

	resp, body := doRequest(t, app, "/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"version":"1.2.3"`)
}
