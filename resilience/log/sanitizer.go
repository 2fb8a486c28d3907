package log

import (
	"context"
	"fmt"
)

// SafeError logs err at error level. With production set, only the error's
// type is emitted so that upstream messages carrying payload fragments or
// endpoint credentials never reach the log sink.
func SafeError(ctx context.Context, logger Logger, msg string, err error, production bool, fields ...Field) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, append(fields, String("error_type", fmt.Sprintf("%T", err)))...)
		return
	}

	logger.Log(ctx, LevelError, msg, append(fields, Err(err))...)
}

// ExternalStatus renders an upstream HTTP status without echoing the response body.
func ExternalStatus(statusCode int) string {
	return fmt.Sprintf("external system returned status %d", statusCode)
}
