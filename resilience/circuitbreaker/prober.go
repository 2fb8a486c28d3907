package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
)

var (
	// ErrInvalidProbeInterval indicates that the probe interval must be positive.
	ErrInvalidProbeInterval = errors.New("circuitbreaker: probe interval must be positive")
	// ErrNilRegistry indicates that a prober was built without a registry.
	ErrNilRegistry = errors.New("circuitbreaker: registry cannot be nil")
)

// HealthCheckFunc checks whether a dependency has recovered.
type HealthCheckFunc func(ctx context.Context) error

// Prober drives recovery for breakers that are not Closed. On every tick it
// sends each registered health check through its breaker, so an Open breaker
// past its OpenDuration spends its HalfOpen probe on the health check rather
// than on live traffic. Breakers still inside OpenDuration are skipped.
type Prober struct {
	registry *Registry
	interval time.Duration
	logger   log.Logger

	mu     sync.RWMutex
	checks map[string]HealthCheckFunc
}

// NewProber creates a Prober ticking every interval.
func NewProber(registry *Registry, interval time.Duration, logger log.Logger) (*Prober, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}

	if interval <= 0 {
		return nil, ErrInvalidProbeInterval
	}

	return &Prober{
		registry: registry,
		interval: interval,
		logger:   log.OrNop(logger),
		checks:   make(map[string]HealthCheckFunc),
	}, nil
}

// Register adds a health check for the named breaker.
func (p *Prober) Register(name string, check HealthCheckFunc) {
	if check == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.checks[name] = check
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Log(ctx, log.LevelInfo, "breaker prober started", log.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "breaker prober stopped")

			return nil
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs one probe round and returns the number of breakers that
// closed as a result.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	defer runtime.RecoverAndLogWithContext(ctx, p.logger, "circuitbreaker", "prober")

	p.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(p.checks))
	maps.Copy(checks, p.checks)
	p.mu.RUnlock()

	recovered := 0

	for name, check := range checks {
		breaker, ok := p.registry.Get(name)
		if !ok || breaker.State() != StateHalfOpen {
			continue
		}

		_, err := breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return nil, check(ctx)
		})

		switch {
		case err == nil:
			recovered++

			p.logger.Log(ctx, log.LevelInfo, "dependency recovered", log.String("breaker", name))
		case faults.Classify(err) == faults.KindCircuitOpen:
			// Live traffic took the probe first.
		default:
			p.logger.Log(ctx, log.LevelWarn, "dependency still unhealthy",
				log.String("breaker", name), log.Err(err))
		}
	}

	return recovered
}

// Status returns the state of every breaker with a registered health check.
func (p *Prober) Status() map[string]State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make(map[string]State, len(p.checks))
	for name := range p.checks {
		status[name] = p.registry.State(name)
	}

	return status
}
