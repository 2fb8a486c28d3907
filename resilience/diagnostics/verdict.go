package diagnostics

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/circuitbreaker"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/abrkgrbz/Stocker-sub077/resilience/retryqueue"
)

// Verdict is the overall health level. Higher is worse.
type Verdict int

const (
	Healthy Verdict = iota
	Degraded
	Unhealthy
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	case Unhealthy:
		return "Unhealthy"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// MarshalText renders the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Thresholds are inclusive: a value equal to a threshold triggers it. A zero
// threshold disables that check.
type Thresholds struct {
	RetryPendingDegraded      int64 `mapstructure:"retry_pending_degraded" validate:"gte=0"`
	RetryPendingUnhealthy     int64 `mapstructure:"retry_pending_unhealthy" validate:"gte=0"`
	RetryDeadLetteredDegraded int64 `mapstructure:"retry_dead_lettered_degraded" validate:"gte=0"`
	OutboxPendingDegraded     int64 `mapstructure:"outbox_pending_degraded" validate:"gte=0"`
	OutboxPendingUnhealthy    int64 `mapstructure:"outbox_pending_unhealthy" validate:"gte=0"`
	OutboxFailedDegraded      int64 `mapstructure:"outbox_failed_degraded" validate:"gte=0"`
	AuditFallbackDegraded     int64 `mapstructure:"audit_fallback_degraded" validate:"gte=0"`
	AuditFallbackUnhealthy    int64 `mapstructure:"audit_fallback_unhealthy" validate:"gte=0"`
	OverdueTransfersDegraded  int64 `mapstructure:"overdue_transfers_degraded" validate:"gte=0"`
	OverdueTransfersUnhealthy int64 `mapstructure:"overdue_transfers_unhealthy" validate:"gte=0"`
}

// DefaultThresholds returns the operational defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RetryPendingDegraded:      50,
		RetryPendingUnhealthy:     200,
		RetryDeadLetteredDegraded: 20,
		OutboxPendingDegraded:     100,
		OutboxPendingUnhealthy:    500,
		OutboxFailedDegraded:      10,
		AuditFallbackDegraded:     100,
		AuditFallbackUnhealthy:    500,
		OverdueTransfersDegraded:  5,
		OverdueTransfersUnhealthy: 20,
	}
}

// Snapshot is everything a verdict is computed from.
type Snapshot struct {
	RetryQueue       retryqueue.Stats
	Outbox           outbox.Stats
	Breakers         map[string]circuitbreaker.Snapshot
	AuditFallback    int64
	OverdueTransfers int64
	// WebhookFailures counts failed attempts among the recent deliveries
	// sampled; informational only.
	WebhookFailures int
	// Unavailable lists sources that could not be read. Each one degrades
	// the verdict.
	Unavailable []string
}

// Report is the health-check result.
type Report struct {
	Verdict Verdict `json:"verdict"`
	// Message joins the reasons at the verdict's level.
	Message string `json:"message"`
	// Reasons lists every triggered condition, unhealthy ones first.
	Reasons   []string       `json:"reasons"`
	Data      map[string]any `json:"data"`
	CheckedAt time.Time      `json:"checkedAt"`
}

type finding struct {
	level  Verdict
	reason string
}

// Evaluate applies th to s.
func Evaluate(s Snapshot, th Thresholds) Report {
	var findings []finding

	add := func(level Verdict, format string, args ...any) {
		findings = append(findings, finding{level: level, reason: fmt.Sprintf(format, args...)})
	}

	tiered := func(value, degraded, unhealthy int64, elevated, critical string) {
		switch {
		case unhealthy > 0 && value >= unhealthy:
			add(Unhealthy, critical, value)
		case degraded > 0 && value >= degraded:
			add(Degraded, elevated, value)
		}
	}

	tiered(s.RetryQueue.Pending, th.RetryPendingDegraded, th.RetryPendingUnhealthy,
		"Retry queue elevated: %d pending", "Retry queue critically backed up: %d pending")
	tiered(s.RetryQueue.DeadLettered, th.RetryDeadLetteredDegraded, 0,
		"Retry queue dead letters: %d entries", "")
	tiered(s.Outbox.Pending, th.OutboxPendingDegraded, th.OutboxPendingUnhealthy,
		"Outbox elevated: %d pending", "Outbox critically backed up: %d pending")
	tiered(s.Outbox.Failed, th.OutboxFailedDegraded, 0,
		"Outbox failures: %d failed", "")
	tiered(s.AuditFallback, th.AuditFallbackDegraded, th.AuditFallbackUnhealthy,
		"Audit fallback elevated: %d queued", "Audit fallback critically backed up: %d queued")
	tiered(s.OverdueTransfers, th.OverdueTransfersDegraded, th.OverdueTransfersUnhealthy,
		"Overdue transfers elevated: %d overdue", "Overdue transfers critical: %d overdue")

	for _, name := range slices.Sorted(maps.Keys(s.Breakers)) {
		switch s.Breakers[name].State {
		case circuitbreaker.StateOpen:
			add(Unhealthy, "Circuit breaker %s is open", name)
		case circuitbreaker.StateHalfOpen:
			add(Degraded, "Circuit breaker %s is half-open", name)
		}
	}

	for _, source := range s.Unavailable {
		add(Degraded, "%s stats unavailable", source)
	}

	report := Report{Verdict: Healthy, Data: flatten(s)}

	for _, f := range findings {
		report.Verdict = max(report.Verdict, f.level)
	}

	var atLevel []string

	for _, level := range []Verdict{Unhealthy, Degraded} {
		for _, f := range findings {
			if f.level != level {
				continue
			}

			report.Reasons = append(report.Reasons, f.reason)

			if level == report.Verdict {
				atLevel = append(atLevel, f.reason)
			}
		}
	}

	report.Message = strings.Join(atLevel, "; ")
	if report.Verdict == Healthy {
		report.Message = "All resilience components healthy"
	}

	report.Data["verdict"] = report.Verdict.String()

	return report
}

func flatten(s Snapshot) map[string]any {
	data := map[string]any{
		"retry_queue.pending":        s.RetryQueue.Pending,
		"retry_queue.processing":     s.RetryQueue.Processing,
		"retry_queue.completed":      s.RetryQueue.Completed,
		"retry_queue.dead_lettered":  s.RetryQueue.DeadLettered,
		"retry_queue.total_enqueued": s.RetryQueue.TotalEnqueued,
		"outbox.pending":             s.Outbox.Pending,
		"outbox.processing":          s.Outbox.Processing,
		"outbox.processed":           s.Outbox.Processed,
		"outbox.failed":              s.Outbox.Failed,
		"outbox.total":               s.Outbox.TotalMessages,
		"audit_fallback.size":        s.AuditFallback,
		"transfers.overdue":          s.OverdueTransfers,
		"webhook.recent_failures":    s.WebhookFailures,
		"circuit_breaker.count":      len(s.Breakers),
	}

	for name, snap := range s.Breakers {
		prefix := "circuit_breaker." + name + "."
		data[prefix+"state"] = string(snap.State)
		data[prefix+"failure_count"] = snap.FailureCount
		data[prefix+"success_count"] = snap.SuccessCount
	}

	if len(s.Unavailable) > 0 {
		data["unavailable"] = strings.Join(s.Unavailable, ",")
	}

	return data
}
