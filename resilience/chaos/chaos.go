// Package chaos injects synthetic faults at instrumented seams to exercise
// the resilience layer outside production.
//
// A nil or disabled Injector is a pass-through: Inject returns nil
// immediately without evaluating rules, sleeping or drawing random numbers.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/backoff"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/go-playground/validator/v10"
)

// Instrumented seams.
const (
	TargetBreakerCall     = "breaker.call"
	TargetOutboxPublish   = "outbox.publish"
	TargetWebhookDelivery = "webhook.delivery"
	TargetRetryAttempt    = "retry.attempt"
)

// Targets lists every instrumented seam.
var Targets = []string{TargetBreakerCall, TargetOutboxPublish, TargetWebhookDelivery, TargetRetryAttempt}

// KnownTarget reports whether target names an instrumented seam, optionally
// qualified as "<seam>:<name>".
func KnownTarget(target string) bool {
	base, qualifier, qualified := strings.Cut(target, ":")
	if qualified && strings.TrimSpace(qualifier) == "" {
		return false
	}

	return slices.Contains(Targets, base)
}

// FaultType is the kind of synthetic fault.
type FaultType string

// Supported faults.
const (
	FaultException FaultType = "exception"
	FaultTimeout   FaultType = "timeout"
	FaultLatency   FaultType = "latency"
)

const defaultFaultDelay = 2 * time.Second

var (
	// ErrInjectedFault is wrapped by every exception fault.
	ErrInjectedFault = errors.New("chaos: injected fault")
	// ErrInjectedTimeout is wrapped by every timeout fault.
	ErrInjectedTimeout = errors.New("chaos: injected timeout")
	// ErrChaosInProduction is returned when an enabled configuration is
	// built for the production environment.
	ErrChaosInProduction = errors.New("chaos: fault injection cannot be enabled in production")
)

// Rule fires FaultType with Probability on every call at Target.
//
// Target matches a seam exactly, or any qualified seam "<target>:<name>",
// so "breaker.call" covers every breaker while
// "breaker.call:PaymentGateway" covers one. Unknown seams are rejected.
type Rule struct {
	Target      string        `yaml:"target" mapstructure:"target" validate:"required,chaos_target"`
	Probability float64       `yaml:"probability" mapstructure:"probability" validate:"gte=0,lte=1"`
	FaultType   FaultType     `yaml:"faultType" mapstructure:"faultType" validate:"oneof=exception timeout latency"`
	Delay       time.Duration `yaml:"delay" mapstructure:"delay" validate:"gte=0"`
}

func (r Rule) matches(target string) bool {
	return r.Target == target || strings.HasPrefix(target, r.Target+":")
}

// Configuration is process-wide and read-only once an Injector is built.
// The zero value is disabled.
type Configuration struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Rules   []Rule `yaml:"rules" mapstructure:"rules" validate:"dive"`
}

// Injector evaluates a Configuration at instrumented seams.
type Injector struct {
	enabled bool
	rules   []Rule
	draw    func() float64
	sleep   func(ctx context.Context, d time.Duration) error
	logger  log.Logger
	factory *metrics.MetricsFactory
}

// Option customizes an Injector.
type Option func(*Injector)

// WithLogger sets the logger for fired faults.
func WithLogger(logger log.Logger) Option {
	return func(i *Injector) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithMetrics counts fired faults.
func WithMetrics(factory *metrics.MetricsFactory) Option {
	return func(i *Injector) {
		if factory != nil {
			i.factory = factory
		}
	}
}

// WithRandom replaces the probability source. draw must return values in [0, 1).
func WithRandom(draw func() float64) Option {
	return func(i *Injector) {
		if draw != nil {
			i.draw = draw
		}
	}
}

// WithSleeper replaces the delay implementation.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Injector) {
		if sleep != nil {
			i.sleep = sleep
		}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("chaos_target", func(fl validator.FieldLevel) bool {
		return KnownTarget(fl.Field().String())
	})

	return v
}

// Validate checks every rule: a known seam, a probability in [0, 1], a
// supported fault type and a non-negative delay.
func (c Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return faults.Configuration("chaos", fmt.Errorf("invalid chaos configuration: %w", err))
	}

	return nil
}

// NewInjector validates cfg and builds an Injector. production must be true
// when running in the production environment; an enabled configuration is
// then refused with a configuration error.
func NewInjector(cfg Configuration, production bool, opts ...Option) (*Injector, error) {
	if cfg.Enabled && production {
		return nil, faults.Configuration("chaos", ErrChaosInProduction)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	i := &Injector{
		enabled: cfg.Enabled,
		rules:   append([]Rule(nil), cfg.Rules...),
		draw:    rand.Float64,
		sleep:   backoff.SleepWithContext,
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// Enabled reports whether any fault can fire.
func (i *Injector) Enabled() bool {
	return i != nil && i.enabled
}

// Rules returns a copy of the configured rules.
func (i *Injector) Rules() []Rule {
	if i == nil {
		return nil
	}

	return append([]Rule(nil), i.rules...)
}

// Inject evaluates every rule matching target in order. Latency faults delay
// and continue; exception and timeout faults return a transient error and
// stop evaluation.
func (i *Injector) Inject(ctx context.Context, target string) error {
	if i == nil || !i.enabled {
		return nil
	}

	for _, rule := range i.rules {
		if !rule.matches(target) || i.draw() >= rule.Probability {
			continue
		}

		i.record(ctx, target, rule.FaultType)

		delay := rule.Delay
		if delay <= 0 {
			delay = defaultFaultDelay
		}

		switch rule.FaultType {
		case FaultLatency:
			if err := i.sleep(ctx, delay); err != nil {
				return faults.Transient(target, err)
			}
		case FaultTimeout:
			if err := i.sleep(ctx, delay); err != nil {
				return faults.Transient(target, err)
			}

			return faults.Transient(target, fmt.Errorf("%w: %w", ErrInjectedTimeout, context.DeadlineExceeded))
		default:
			return faults.Transient(target, ErrInjectedFault)
		}
	}

	return nil
}

func (i *Injector) record(ctx context.Context, target string, fault FaultType) {
	i.logger.Log(ctx, log.LevelWarn, "chaos fault injected",
		log.String("target", target), log.String("fault_type", string(fault)))

	if i.factory == nil {
		return
	}

	counter, err := i.factory.Counter(metrics.MetricChaosFaults)
	if err != nil {
		return
	}

	_ = counter.WithLabels(map[string]string{
		"target":     metrics.SanitizeLabel(target),
		"fault_type": string(fault),
	}).AddOne(ctx)
}
