package circuitbreaker

import (
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
)

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the number of failures that trips a Closed breaker.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	// OpenDuration is how long an Open breaker fails fast before admitting a probe.
	OpenDuration time.Duration `mapstructure:"open_duration"`
	// ProbeTimeout bounds the single HalfOpen probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// CallTimeout bounds Closed calls. Zero leaves them to the caller's context.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// Interval clears Closed failure counts every Interval, turning the
	// threshold into a fixed window. Zero counts consecutive failures.
	Interval time.Duration `mapstructure:"interval"`
	// IsSuccessful decides whether a call outcome counts as a success.
	// Defaults to DefaultIsSuccessful.
	IsSuccessful func(err error) bool `mapstructure:"-"`
}

const (
	defaultFailureThreshold = 5
	defaultOpenDuration     = 30 * time.Second
	defaultProbeTimeout     = 10 * time.Second
)

// DefaultConfig trips after five consecutive failures and stays open for 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: defaultFailureThreshold,
		OpenDuration:     defaultOpenDuration,
		ProbeTimeout:     defaultProbeTimeout,
	}
}

// HTTPServiceConfig suits external HTTP APIs: fast detection, bounded calls.
func HTTPServiceConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

// DatabaseConfig tolerates more failures since brief network blips against
// a database should not cut off every caller.
func DatabaseConfig() Config {
	return Config{
		FailureThreshold: 20,
		OpenDuration:     45 * time.Second,
		ProbeTimeout:     15 * time.Second,
		Interval:         3 * time.Minute,
	}
}

func (c Config) normalize() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}

	if c.OpenDuration <= 0 {
		c.OpenDuration = defaultOpenDuration
	}

	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}

	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}

	if c.Interval < 0 {
		c.Interval = 0
	}

	if c.IsSuccessful == nil {
		c.IsSuccessful = DefaultIsSuccessful
	}

	return c
}

// DefaultIsSuccessful counts nil and permanent failures as successes: a
// dependency that rejects a request is still up.
func DefaultIsSuccessful(err error) bool {
	return err == nil || faults.Classify(err) == faults.KindPermanent
}
