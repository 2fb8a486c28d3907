package outbox

import (
	"context"

	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
)

// Publisher hands a message to the bus. Errors are classified with the
// faults package; unclassified errors count as transient.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg *Message) error

// Publish implements Publisher.
func (fn PublisherFunc) Publish(ctx context.Context, msg *Message) error {
	return fn(ctx, msg)
}

// Fanout publishes to each publisher in order and stops at the first error.
// Publishers later in the list are therefore only reached once earlier ones
// succeed, and a retried message is republished to all of them.
func Fanout(publishers ...Publisher) Publisher {
	list := make([]Publisher, 0, len(publishers))

	for _, p := range publishers {
		if !nilcheck.IsNil(p) {
			list = append(list, p)
		}
	}

	return PublisherFunc(func(ctx context.Context, msg *Message) error {
		for _, p := range list {
			if err := p.Publish(ctx, msg); err != nil {
				return err
			}
		}

		return nil
	})
}
