package circuitbreaker

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/abrkgrbz/Stocker-sub077/resilience/chaos"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
)

var (
	// ErrBreakerNotFound is wrapped when a name has no registered breaker.
	ErrBreakerNotFound = errors.New("circuitbreaker: breaker not found (call GetOrCreate first)")
	// ErrEmptyName is wrapped when a breaker is registered without a name.
	ErrEmptyName = errors.New("circuitbreaker: breaker name is required")
)

// Registry is the named collection of breakers. Each breaker carries its
// own lock; the registry lock only guards the map.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeListener

	logger   log.Logger
	factory  *metrics.MetricsFactory
	injector *chaos.Injector
}

// Option customizes a Registry.
type Option func(*Registry)

// WithMetrics records transitions and rejections.
func WithMetrics(factory *metrics.MetricsFactory) Option {
	return func(r *Registry) {
		r.factory = factory
	}
}

// WithChaos injects faults into guarded calls at chaos.TargetBreakerCall.
func WithChaos(injector *chaos.Injector) Option {
	return func(r *Registry) {
		r.injector = injector
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger log.Logger, opts ...Option) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		logger:   log.OrNop(logger),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// GetOrCreate returns the breaker registered under name, creating it with
// cfg on first use. cfg is ignored for an existing breaker.
func (r *Registry) GetOrCreate(name string, cfg Config) (*Breaker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, faults.Configuration("circuitbreaker.register", ErrEmptyName)
	}

	r.mu.RLock()
	breaker, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return breaker, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists = r.breakers[name]; exists {
		return breaker, nil
	}

	breaker = newBreaker(name, cfg, r.logger, r.factory, r.injector, r.handleStateChange)
	r.breakers[name] = breaker

	normalized := breaker.Config()
	r.logger.Log(context.Background(), log.LevelInfo, "circuit breaker registered",
		log.String("breaker", name),
		log.Any("failure_threshold", normalized.FailureThreshold),
		log.Duration("open_duration", normalized.OpenDuration))

	return breaker, nil
}

// Get returns the breaker registered under name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, ok := r.breakers[name]

	return breaker, ok
}

func (r *Registry) lookup(name string) (*Breaker, error) {
	breaker, ok := r.Get(name)
	if !ok {
		return nil, faults.Configuration(name, ErrBreakerNotFound)
	}

	return breaker, nil
}

// Execute runs fn through the breaker registered under name.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	breaker, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	return breaker.Execute(ctx, fn)
}

// RecordSuccess reports a success for the breaker registered under name.
func (r *Registry) RecordSuccess(name string) error {
	breaker, err := r.lookup(name)
	if err != nil {
		return err
	}

	breaker.RecordSuccess()

	return nil
}

// RecordFailure reports a failure for the breaker registered under name.
func (r *Registry) RecordFailure(name string) error {
	breaker, err := r.lookup(name)
	if err != nil {
		return err
	}

	breaker.RecordFailure()

	return nil
}

// State returns the state of the breaker registered under name, or
// StateUnknown.
func (r *Registry) State(name string) State {
	breaker, ok := r.Get(name)
	if !ok {
		return StateUnknown
	}

	return breaker.State()
}

// IsHealthy reports whether the named breaker is Closed.
func (r *Registry) IsHealthy(name string) bool {
	return r.State(name) == StateClosed
}

// GetAll returns a snapshot of every breaker keyed by name. The map is
// freshly allocated on each call.
func (r *Registry) GetAll() map[string]Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))

	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(breakers))
	for _, b := range breakers {
		out[b.name] = b.Snapshot()
	}

	return out
}

// RegisterStateChangeListener adds a listener for every breaker.
func (r *Registry) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		r.logger.Log(context.Background(), log.LevelWarn, "attempted to register a nil state change listener")

		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

// handleStateChange runs under the breaker's gobreaker lock, so listeners are
// dispatched on their own goroutines.
func (r *Registry) handleStateChange(name string, from, to State) {
	ctx := context.Background()

	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelWarn
	}

	r.logger.Log(ctx, level, "circuit breaker state changed",
		log.String("breaker", name), log.String("from", string(from)), log.String("to", string(to)))

	if r.factory != nil {
		if counter, err := r.factory.Counter(metrics.MetricBreakerTransitions); err == nil {
			_ = counter.WithLabels(map[string]string{
				"breaker": metrics.SanitizeLabel(name),
				"to":      string(to),
			}).AddOne(ctx)
		}
	}

	r.mu.RLock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		runtime.SafeGoWithContextAndComponent(ctx, r.logger, "circuitbreaker", "state_change_listener", runtime.KeepRunning,
			func(ctx context.Context) {
				listener.OnStateChange(ctx, name, from, to)
			})
	}
}
