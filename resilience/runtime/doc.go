// Package runtime provides panic-safe goroutine launching with logging,
// metrics and optional external error reporting.
package runtime
