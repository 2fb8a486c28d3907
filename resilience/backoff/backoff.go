// Package backoff provides exponential delay helpers with jitter for the
// retry and outbox schedulers.
package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating at math.MaxInt64.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

const fallbackDivisor = 2

// fallbackRand seeds a PCG from crypto/rand bytes when rand.Int fails and
// returns the midpoint when even that is unavailable.
func fallbackRand(maxValue int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return maxValue / fallbackDivisor
	}

	rng := mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404 -- jitter only

	return rng.Int64N(maxValue)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// Policy computes capped exponential delays with additive jitter.
//
// For attempt n (1-based) the floor is min(Base * 2^(n-1), Max) and the
// returned delay lies in [floor, floor + floor*JitterFraction). With
// JitterFraction <= 1 the delay for attempt n never exceeds the floor for
// attempt n+1, so scheduled delays never shrink as attempts grow.
type Policy struct {
	Base           time.Duration `mapstructure:"base"`
	Max            time.Duration `mapstructure:"max"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
}

// DefaultPolicy returns a 1s base, 5m cap and 50% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:           time.Second,
		Max:            5 * time.Minute,
		JitterFraction: 0.5,
	}
}

func (p Policy) normalize() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}

	if p.Max < p.Base {
		p.Max = p.Base
	}

	if p.JitterFraction < 0 || math.IsNaN(p.JitterFraction) {
		p.JitterFraction = 0
	}

	if p.JitterFraction > 1 {
		p.JitterFraction = 1
	}

	return p
}

// Floor returns the deterministic component of the delay for attempt.
func (p Policy) Floor(attempt int) time.Duration {
	p = p.normalize()

	if attempt < 1 {
		attempt = 1
	}

	floor := Exponential(p.Base, attempt-1)
	if floor > p.Max {
		floor = p.Max
	}

	return floor
}

// Delay returns the jittered delay for attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()
	floor := p.Floor(attempt)

	jitterSpan := time.Duration(float64(floor) * p.JitterFraction)

	return floor + FullJitter(jitterSpan)
}

// SleepWithContext sleeps for duration or until ctx is done.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
