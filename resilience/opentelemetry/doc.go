// Package opentelemetry initializes tracing and Prometheus-backed metrics and
// offers span and trace-propagation helpers.
package opentelemetry
