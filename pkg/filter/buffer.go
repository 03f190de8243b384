package filter

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

const defaultShards = 32

// EnqueueStatus reports what Enqueue did with an item.
type EnqueueStatus int

const (
	// Enqueued means the item was appended to its operation's buffer.
	Enqueued EnqueueStatus = iota
	// Overflowed means the operation's buffer was at capacity and the item was not stored.
	Overflowed
	// AlreadyFailed means the operation was resolved as failed within the resolved TTL.
	AlreadyFailed
	// AlreadySucceeded means the operation was resolved as successful within the resolved TTL.
	AlreadySucceeded
)

// BufferConfig tunes a CorrelationBuffer. The zero value reproduces the
// unbounded behaviour: no caps, no resolved markers.
type BufferConfig struct {
	Shards               int
	MaxItemsPerOperation int
	ResolvedTTL          time.Duration
	Now                  func() time.Time
}

// Evicted is an operation buffer removed by EvictOlderThan.
type Evicted struct {
	OperationID string
	Created     time.Time
	Items       []*domain.Item
}

type operationBuffer struct {
	created time.Time
	items   []*domain.Item
}

type resolution struct {
	failed bool
	at     time.Time
}

type shard struct {
	mu       sync.Mutex
	entries  map[string]*operationBuffer
	resolved map[string]resolution
}

// CorrelationBuffer holds child items per operation id until the operation's
// terminal request arrives. Operation ids are spread across independently
// locked shards; every mutation of one id happens under its shard lock, so
// appends for an id are linearized in FIFO order and a take-and-remove is
// observed by exactly one caller.
type CorrelationBuffer struct {
	shards      []shard
	maxItems    int
	resolvedTTL time.Duration
	now         func() time.Time
}

// NewCorrelationBuffer creates an empty buffer.
func NewCorrelationBuffer(cfg BufferConfig) *CorrelationBuffer {
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	b := &CorrelationBuffer{
		shards:      make([]shard, n),
		maxItems:    cfg.MaxItemsPerOperation,
		resolvedTTL: cfg.ResolvedTTL,
		now:         now,
	}
	for i := range b.shards {
		b.shards[i].entries = make(map[string]*operationBuffer)
		b.shards[i].resolved = make(map[string]resolution)
	}
	return b
}

func (b *CorrelationBuffer) shardFor(operationID string) *shard {
	return &b.shards[xxhash.Sum64String(operationID)%uint64(len(b.shards))]
}

// Enqueue appends item to the buffer of operationID, creating it if absent.
// When resolved markers are enabled and the operation already resolved, the
// item is not stored and the returned status carries the known outcome.
func (b *CorrelationBuffer) Enqueue(operationID string, item *domain.Item) EnqueueStatus {
	s := b.shardFor(operationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.resolvedTTL > 0 {
		if r, ok := s.resolved[operationID]; ok {
			if b.now().Sub(r.at) < b.resolvedTTL {
				if r.failed {
					return AlreadyFailed
				}
				return AlreadySucceeded
			}
			delete(s.resolved, operationID)
		}
	}

	buf, ok := s.entries[operationID]
	if !ok {
		buf = &operationBuffer{created: b.now()}
		s.entries[operationID] = buf
	}
	if b.maxItems > 0 && len(buf.items) >= b.maxItems {
		return Overflowed
	}
	buf.items = append(buf.items, item)
	return Enqueued
}

// TakeAndRemove detaches the whole buffer for operationID and deletes the
// entry. found is false when no buffer exists, including when a concurrent
// caller already took it.
func (b *CorrelationBuffer) TakeAndRemove(operationID string) (items []*domain.Item, found bool) {
	s := b.shardFor(operationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.take(operationID)
}

// Resolve behaves like TakeAndRemove and, when resolved markers are enabled,
// records the operation outcome in the same critical section so that no child
// can slip into a fresh buffer between the two steps.
func (b *CorrelationBuffer) Resolve(operationID string, failed bool) (items []*domain.Item, found bool) {
	s := b.shardFor(operationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	items, found = s.take(operationID)
	if b.resolvedTTL > 0 {
		s.resolved[operationID] = resolution{failed: failed, at: b.now()}
	}
	return items, found
}

func (s *shard) take(operationID string) ([]*domain.Item, bool) {
	buf, ok := s.entries[operationID]
	if !ok {
		return nil, false
	}
	delete(s.entries, operationID)
	return buf.items, true
}

// EvictOlderThan removes every buffer created before cutoff and returns them.
func (b *CorrelationBuffer) EvictOlderThan(cutoff time.Time) []Evicted {
	var evicted []Evicted
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for id, buf := range s.entries {
			if buf.created.Before(cutoff) {
				evicted = append(evicted, Evicted{OperationID: id, Created: buf.created, Items: buf.items})
				delete(s.entries, id)
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// ForgetResolvedBefore drops resolved markers recorded before cutoff and
// returns how many were removed.
func (b *CorrelationBuffer) ForgetResolvedBefore(cutoff time.Time) int {
	removed := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for id, r := range s.resolved {
			if r.at.Before(cutoff) {
				delete(s.resolved, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of operations currently holding a buffer.
func (b *CorrelationBuffer) Len() int {
	n := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Items returns the number of items held across all operations.
func (b *CorrelationBuffer) Items() int {
	n := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for _, buf := range s.entries {
			n += len(buf.items)
		}
		s.mu.Unlock()
	}
	return n
}
