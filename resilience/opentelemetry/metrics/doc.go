// Package metrics wraps an OpenTelemetry meter with cached instruments and
// fluent label builders, and declares the instruments the resilience layer
// records.
package metrics
