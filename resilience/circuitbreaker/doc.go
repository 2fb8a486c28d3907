// Package circuitbreaker isolates callers from failing dependencies.
//
// A Registry owns one Breaker per integration point. Each Breaker is a
// Closed, Open, HalfOpen state machine backed by gobreaker's two-step
// breaker: Closed trips to Open after FailureThreshold failures, Open fails
// fast with a faults.KindCircuitOpen error until OpenDuration elapses, and
// HalfOpen admits exactly one probe whose outcome closes or re-opens the
// breaker. The probe runs under ProbeTimeout so a hung dependency cannot pin
// the breaker in HalfOpen.
//
// GetAll returns value snapshots for diagnostics. A Prober can drive the
// HalfOpen probe from a health function instead of waiting for live traffic.
package circuitbreaker
