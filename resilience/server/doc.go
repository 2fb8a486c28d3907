// Package server runs the HTTP and gRPC listeners and coordinates an ordered
// graceful shutdown of the servers, the background workers and telemetry.
package server
