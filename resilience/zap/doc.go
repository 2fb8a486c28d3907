// Package zap adapts go.uber.org/zap to the log.Logger contract and tees
// every entry into the OpenTelemetry log bridge.
package zap
