package retryqueue

import (
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/backoff"
)

const (
	defaultMaxAttempts       = 5
	defaultPollInterval      = 5 * time.Second
	defaultBatchSize         = 20
	defaultConcurrency       = 4
	defaultAttemptTimeout    = 30 * time.Second
	defaultProcessingTimeout = 10 * time.Minute
	defaultShutdownGrace     = 15 * time.Second
)

// Config controls how entries are created and rescheduled.
type Config struct {
	// MaxAttempts is the default attempt ceiling for new entries.
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialDelay postpones the first retry after Enqueue.
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	// Backoff schedules the next attempt from the attempt count.
	Backoff backoff.Policy `mapstructure:"backoff"`
}

// DefaultConfig returns five attempts with backoff.DefaultPolicy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: defaultMaxAttempts,
		Backoff:     backoff.DefaultPolicy(),
	}
}

func (cfg *Config) normalize() {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
}

// WorkerConfig controls the retry worker loop.
type WorkerConfig struct {
	// PollInterval is the delay between claim cycles.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BatchSize caps entries claimed per tenant per cycle.
	BatchSize int `mapstructure:"batch_size"`
	// Concurrency caps attempts running at once.
	Concurrency int `mapstructure:"concurrency"`
	// AttemptTimeout bounds a single handler invocation.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// ProcessingTimeout is the age after which a Processing entry is
	// considered abandoned by a crashed worker and returned to Pending.
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	// ShutdownGrace is how long Shutdown lets in-flight attempts finish.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// DefaultWorkerConfig returns the baseline worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:      defaultPollInterval,
		BatchSize:         defaultBatchSize,
		Concurrency:       defaultConcurrency,
		AttemptTimeout:    defaultAttemptTimeout,
		ProcessingTimeout: defaultProcessingTimeout,
		ShutdownGrace:     defaultShutdownGrace,
	}
}

func (cfg *WorkerConfig) normalize() {
	defaults := DefaultWorkerConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}
}
