package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is implemented by the zap adapter and by NopLogger. Components take
// a Logger and fall back to OrNop when given nil.
//
//go:generate mockgen --destination=log_mock.go --package=log . Logger
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level orders severities so that a smaller value is more severe; a logger
// at LevelInfo emits everything up to and including LevelInfo.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

func (level Level) String() string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}

	return "unknown"
}

// ParseLevel accepts the level names in any case, plus "warning".
func ParseLevel(lvl string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(lvl))
	if name == "warning" {
		return LevelWarn, nil
	}

	for level, candidate := range levelNames {
		if name == candidate {
			return Level(level), nil
		}
	}

	return LevelInfo, fmt.Errorf("not a valid Level: %q", lvl)
}

// Field is one structured attribute.
type Field struct {
	Key   string
	Value any
}

// Any attaches an arbitrary value. Never pass payloads or secrets.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Err attaches err under the "error" key.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// TenantHash attaches an already hashed tenant id. Raw tenant ids stay out
// of log lines.
func TenantHash(hashed string) Field { return Field{Key: "tenant_id", Value: hashed} }
