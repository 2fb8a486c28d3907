package metrics

import "strings"

// Instruments emitted by the resilience layer.
var (
	MetricBreakerTransitions = Metric{
		Name:        "circuit_breaker_state_transitions_total",
		Unit:        "1",
		Description: "Circuit breaker state transitions by breaker and target state.",
	}

	MetricBreakerRejections = Metric{
		Name:        "circuit_breaker_rejections_total",
		Unit:        "1",
		Description: "Calls short-circuited while a breaker was open or probing.",
	}

	MetricRetryOutcomes = Metric{
		Name:        "retry_queue_attempts_total",
		Unit:        "1",
		Description: "Retry attempts by outcome (completed, rescheduled, dead_lettered).",
	}

	MetricRetryQueueDepth = Metric{
		Name:        "retry_queue_entries",
		Unit:        "1",
		Description: "Retry queue entries by status.",
	}

	MetricOutboxOutcomes = Metric{
		Name:        "outbox_publish_total",
		Unit:        "1",
		Description: "Outbox publish attempts by outcome (processed, retried, failed).",
	}

	MetricOutboxQueueDepth = Metric{
		Name:        "outbox_messages",
		Unit:        "1",
		Description: "Outbox messages by status.",
	}

	MetricWebhookDeliveries = Metric{
		Name:        "webhook_deliveries_total",
		Unit:        "1",
		Description: "Webhook delivery attempts by result.",
	}

	MetricWebhookLatency = Metric{
		Name:        "webhook_delivery_latency",
		Unit:        "ms",
		Description: "Webhook delivery round-trip latency.",
		Buckets:     DefaultLatencyBuckets,
	}

	MetricChaosFaults = Metric{
		Name:        "chaos_faults_injected_total",
		Unit:        "1",
		Description: "Synthetic faults injected by target and fault type.",
	}

	MetricAuditFallbackDepth = Metric{
		Name:        "audit_fallback_records",
		Unit:        "1",
		Description: "Audit records buffered while the primary audit sink is unavailable.",
	}

	MetricHealthVerdict = Metric{
		Name:        "resilience_health_verdict",
		Unit:        "1",
		Description: "Latest health verdict: 0 healthy, 1 degraded, 2 unhealthy.",
	}

	MetricAssertionFailed = Metric{
		Name:        "assertion_failed_total",
		Unit:        "1",
		Description: "Violated lifecycle invariants by component and operation.",
	}

	MetricPanicRecovered = Metric{
		Name:        "panic_recovered_total",
		Unit:        "1",
		Description: "Recovered panics by component and goroutine.",
	}
)

const maxLabelLength = 64

// SanitizeLabel bounds a label value so free-form input cannot explode
// series cardinality.
func SanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}

	if len(value) > maxLabelLength {
		return value[:maxLabelLength]
	}

	return value
}
