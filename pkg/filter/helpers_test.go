package filter

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

// recordingSink captures forwarded items in order.
type recordingSink struct {
	mu     sync.Mutex
	items  []*domain.Item
	failOn func(*domain.Item) error
}

func (s *recordingSink) Forward(_ context.Context, item *domain.Item) error {
	if s.failOn != nil {
		if err := s.failOn(item); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func (s *recordingSink) Items() []*domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Item, len(s.items))
	copy(out, s.items)
	return out
}

func (s *recordingSink) IDs() []string {
	items := s.Items()
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func (s *recordingSink) ForOperation(op string) []*domain.Item {
	var out []*domain.Item
	for _, it := range s.Items() {
		if it.OperationID == op {
			out = append(out, it)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func traceItem(id, op string, sev domain.Severity) *domain.Item {
	return &domain.Item{ID: id, Kind: domain.KindTrace, OperationID: op, Severity: domain.Level(sev)}
}

func dependencyItem(id, op string, success bool, d time.Duration) *domain.Item {
	return &domain.Item{ID: id, Kind: domain.KindDependency, OperationID: op, Success: domain.Bool(success), Duration: d}
}

func requestItem(id, op string, success *bool) *domain.Item {
	return &domain.Item{ID: id, Kind: domain.KindRequest, OperationID: op, Success: success}
}

func exceptionItem(id, op string) *domain.Item {
	return &domain.Item{ID: id, Kind: domain.KindException, OperationID: op}
}
