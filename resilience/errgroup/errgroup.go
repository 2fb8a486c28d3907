// Package errgroup layers panic recovery and logging over
// golang.org/x/sync/errgroup.
package errgroup

import (
	"context"
	"errors"
	"fmt"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"golang.org/x/sync/errgroup"
)

// ErrPanicRecovered is returned by Wait when a goroutine in the group panicked.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group runs goroutines sharing a cancellation context. The first error or
// recovered panic cancels the context and is returned by Wait.
type Group struct {
	inner  *errgroup.Group
	ctx    context.Context
	logger log.Logger
	name   string
}

// WithContext returns a Group and the context it cancels on first failure.
func WithContext(ctx context.Context) (*Group, context.Context) {
	inner, derived := errgroup.WithContext(ctx)

	return &Group{inner: inner, ctx: derived, name: "group.Go"}, derived
}

// SetLogger enables panic logging for goroutines in the group.
func (grp *Group) SetLogger(logger log.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetName labels panics recovered in this group.
func (grp *Group) SetName(name string) {
	if grp == nil || name == "" {
		return
	}

	grp.name = name
}

// SetLimit bounds the number of concurrently active goroutines. A negative
// value removes the bound.
func (grp *Group) SetLimit(n int) {
	grp.init()
	grp.inner.SetLimit(n)
}

func (grp *Group) init() {
	if grp.inner == nil {
		grp.inner = &errgroup.Group{}
		grp.ctx = context.Background()
		grp.name = "group.Go"
	}
}

// Go runs fn in a new goroutine, blocking while the limit is reached.
func (grp *Group) Go(fn func() error) {
	grp.init()
	grp.inner.Go(grp.wrap(fn))
}

// TryGo runs fn only if the limit allows it right now.
func (grp *Group) TryGo(fn func() error) bool {
	grp.init()

	return grp.inner.TryGo(grp.wrap(fn))
}

func (grp *Group) wrap(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.ctx, grp.logger, recovered, "errgroup", grp.name)
				err = fmt.Errorf("%w: %v", ErrPanicRecovered, recovered)
			}
		}()

		return fn()
	}
}

// Wait blocks until every goroutine returns and reports the first failure.
func (grp *Group) Wait() error {
	grp.init()

	return grp.inner.Wait()
}
