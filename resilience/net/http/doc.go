// Package http serves the resilience layer's operational surface over
// fiber: liveness, the health verdict, read-only diagnostics and the
// Prometheus scrape endpoint.
package http
