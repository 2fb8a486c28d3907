package outbox

import "time"

const (
	defaultPollInterval      = 2 * time.Second
	defaultBatchSize         = 50
	defaultConcurrency       = 4
	defaultMaxRetries        = 5
	defaultPublishTimeout    = 15 * time.Second
	defaultProcessingTimeout = 10 * time.Minute
	defaultShutdownGrace     = 15 * time.Second
)

// ProcessorConfig controls the publish loop.
type ProcessorConfig struct {
	// PollInterval is the delay between claim cycles.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BatchSize caps messages claimed per tenant per cycle. Each claimed
	// message belongs to a different aggregate.
	BatchSize int `mapstructure:"batch_size"`
	// Concurrency caps publishes running at once.
	Concurrency int `mapstructure:"concurrency"`
	// MaxRetries is the retry ceiling: a message that has failed this many
	// times is marked Failed instead of returning to Pending.
	MaxRetries int `mapstructure:"max_retries"`
	// PublishTimeout bounds a single publish.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	// ProcessingTimeout is the age after which a Processing message is
	// assumed abandoned and returned to Pending.
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	// ShutdownGrace is how long Shutdown lets in-flight publishes finish.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// DefaultProcessorConfig returns the baseline configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:      defaultPollInterval,
		BatchSize:         defaultBatchSize,
		Concurrency:       defaultConcurrency,
		MaxRetries:        defaultMaxRetries,
		PublishTimeout:    defaultPublishTimeout,
		ProcessingTimeout: defaultProcessingTimeout,
		ShutdownGrace:     defaultShutdownGrace,
	}
}

func (cfg *ProcessorConfig) normalize() {
	defaults := DefaultProcessorConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}
}
