package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects a logger profile. The values match config.environment.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

type profile struct {
	development  bool
	defaultLevel zapcore.Level
}

var profiles = map[Environment]profile{
	EnvironmentProduction:  {defaultLevel: zapcore.InfoLevel},
	EnvironmentStaging:     {defaultLevel: zapcore.InfoLevel},
	EnvironmentDevelopment: {development: true, defaultLevel: zapcore.DebugLevel},
	EnvironmentLocal:       {development: true, defaultLevel: zapcore.DebugLevel},
}

var ErrOTelLibraryNameRequired = errors.New("OTelLibraryName is required")

// Config holds the logger inputs. An empty Level uses the environment's
// default: debug for development and local, info otherwise.
type Config struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
}

// New builds a JSON logger whose entries are also forwarded to the
// OpenTelemetry log bridge under OTelLibraryName.
func New(cfg Config) (*Logger, zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.OTelLibraryName) == "" {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid zap config: %w", ErrOTelLibraryNameRequired)
	}

	p, ok := profiles[cfg.Environment]
	if !ok {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid zap config: invalid environment %q", cfg.Environment)
	}

	level := zap.NewAtomicLevelAt(p.defaultLevel)

	if strings.TrimSpace(cfg.Level) != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}
	}

	base := zap.NewProductionConfig()
	if p.development {
		base = zap.NewDevelopmentConfig()
	}

	base.Encoding = "json"
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base.Level = level
	base.DisableStacktrace = true

	built, err := base.Build(
		zap.AddCallerSkip(1),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{logger: built, atomicLevel: level}, level, nil
}
