package sink

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

// Tee forwards every item to each of its sinks in order. All sinks are
// attempted; their errors are joined.
type Tee []domain.Sink

// Forward implements domain.Sink.
func (t Tee) Forward(ctx context.Context, item *domain.Item) error {
	var errs []error
	for _, s := range t {
		if err := s.Forward(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Counter counts forwarded items per kind and passes them on to Next, if set.
type Counter struct {
	Next   domain.Sink
	counts [5]atomic.Uint64
}

// Forward implements domain.Sink.
func (c *Counter) Forward(ctx context.Context, item *domain.Item) error {
	if int(item.Kind) < len(c.counts) {
		c.counts[item.Kind].Add(1)
	}
	if c.Next == nil {
		return nil
	}
	return c.Next.Forward(ctx, item)
}

// Count returns the number of items of kind seen so far.
func (c *Counter) Count(kind domain.Kind) uint64 {
	if int(kind) >= len(c.counts) {
		return 0
	}
	return c.counts[kind].Load()
}

// Total returns the number of items seen so far.
func (c *Counter) Total() uint64 {
	var n uint64
	for i := range c.counts {
		n += c.counts[i].Load()
	}
	return n
}
