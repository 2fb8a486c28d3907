// Package log defines the logging contract and typed fields used across the
// resilience layer. The zap package provides the production implementation.
package log
