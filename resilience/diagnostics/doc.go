// Package diagnostics reduces the resilience layer's stats to a health
// verdict.
//
// Evaluate is a pure function over a Snapshot. Aggregator gathers the
// snapshot from the live components, coalesces concurrent checks and keeps
// the verdict gauge current. Neither mutates the components it reads.
package diagnostics
