package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-tailfilter/pkg/domain"
	"github.com/polisai/polis-tailfilter/pkg/telemetry"
)

const defaultSweepInterval = 30 * time.Second

// Options configures a Processor. The policy and orphan handling follow the
// classic operation filter; the remaining fields bound memory held by
// operations whose request never arrives and are disabled when zero.
type Options struct {
	Policy

	// IncludeOperationLessTelemetry forwards items without an operation id
	// instead of dropping them.
	IncludeOperationLessTelemetry bool

	// ResolvedTTL remembers each resolved operation's outcome for this long so
	// that children arriving after their request follow that outcome instead
	// of starting a buffer that is never consumed.
	ResolvedTTL time.Duration
	// MaxBufferAge evicts (drops) buffers older than this during a sweep.
	MaxBufferAge time.Duration
	// SweepInterval is how often Run sweeps; defaults to 30s.
	SweepInterval time.Duration
	// MaxItemsPerOperation caps the children held for one operation.
	MaxItemsPerOperation int
	// Shards sets the number of independently locked buffer partitions.
	Shards int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Policy:                        DefaultPolicy(),
		IncludeOperationLessTelemetry: true,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	var errs []error
	if o.AlwaysTraceDependencyWithDuration < 0 {
		errs = append(errs, errors.New("always_trace_dependency_with_duration must not be negative"))
	}
	if o.MinAlwaysTraceLevel > domain.SeverityCritical {
		errs = append(errs, fmt.Errorf("min_always_trace_level %d out of range", o.MinAlwaysTraceLevel))
	}
	if o.ResolvedTTL < 0 {
		errs = append(errs, errors.New("resolved_ttl must not be negative"))
	}
	if o.MaxBufferAge < 0 {
		errs = append(errs, errors.New("max_buffer_age must not be negative"))
	}
	if o.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep_interval must not be negative"))
	}
	if o.MaxItemsPerOperation < 0 {
		errs = append(errs, errors.New("max_items_per_operation must not be negative"))
	}
	if o.Shards < 0 {
		errs = append(errs, errors.New("shards must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Stats is a point-in-time snapshot of the processor's counters.
type Stats struct {
	Received          uint64
	Forwarded         uint64
	Dropped           uint64
	Buffered          uint64
	Flushed           uint64
	Discarded         uint64
	Requests          uint64
	FailedRequests    uint64
	Evicted           uint64
	Overflowed        uint64
	LateForwarded     uint64
	LateDiscarded     uint64
	PendingOperations int
	PendingItems      int
}

type counters struct {
	received, forwarded, dropped, buffered, flushed, discarded atomic.Uint64
	requests, failedRequests, evicted, overflowed              atomic.Uint64
	lateForwarded, lateDiscarded                               atomic.Uint64
}

// Processor is the tail-based filtering stage. Children of an operation are
// held until the operation's request arrives; they are forwarded only when
// the request reports failure. Override rules and orphan handling bypass the
// buffer. A Processor is safe for concurrent use and is itself a domain.Sink,
// so filtering stages can be nested.
type Processor struct {
	opts   Options
	next   domain.Sink
	buffer *CorrelationBuffer
	logger *slog.Logger
	now    func() time.Time
	stats  counters
}

// NewProcessor creates a Processor that forwards kept items to next.
func NewProcessor(next domain.Sink, opts Options, logger *slog.Logger) (*Processor, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: next sink is required", domain.ErrConfigInvalid)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Processor{
		opts:   opts,
		next:   next,
		logger: logger.With("component", "tailfilter"),
		now:    time.Now,
	}
	p.buffer = NewCorrelationBuffer(BufferConfig{
		Shards:               opts.Shards,
		MaxItemsPerOperation: opts.MaxItemsPerOperation,
		ResolvedTTL:          opts.ResolvedTTL,
		Now:                  func() time.Time { return p.now() },
	})
	return p, nil
}

// Forward implements domain.Sink.
func (p *Processor) Forward(ctx context.Context, item *domain.Item) error {
	return p.Process(ctx, item)
}

// Process routes one item. It never blocks on I/O of its own; errors returned
// by the next stage are passed back to the caller.
func (p *Processor) Process(ctx context.Context, item *domain.Item) error {
	if item == nil {
		return fmt.Errorf("%w: nil item", domain.ErrInvalidItem)
	}
	p.stats.received.Add(1)

	if rule := p.opts.Match(item); rule != RuleNone {
		return p.forward(ctx, item, string(rule))
	}

	if !item.HasOperation() {
		if p.opts.IncludeOperationLessTelemetry {
			return p.forward(ctx, item, "operation_less")
		}
		p.stats.dropped.Add(1)
		p.record(ctx, item, telemetry.DecisionDropped, "operation_less", 1)
		return nil
	}

	if item.Kind == domain.KindRequest {
		return p.resolve(ctx, item)
	}
	return p.hold(ctx, item)
}

func (p *Processor) forward(ctx context.Context, item *domain.Item, reason string) error {
	p.stats.forwarded.Add(1)
	p.record(ctx, item, telemetry.DecisionForwarded, reason, 1)
	return p.next.Forward(ctx, item)
}

func (p *Processor) hold(ctx context.Context, item *domain.Item) error {
	switch p.buffer.Enqueue(item.OperationID, item) {
	case Enqueued:
		p.stats.buffered.Add(1)
		p.record(ctx, item, telemetry.DecisionBuffered, "", 1)
	case Overflowed:
		p.stats.overflowed.Add(1)
		p.record(ctx, item, telemetry.DecisionOverflow, "", 1)
		p.logger.Debug("Operation buffer full, dropping item",
			"operation_id", item.OperationID,
			"kind", item.Kind.String(),
			"limit", p.opts.MaxItemsPerOperation,
		)
	case AlreadyFailed:
		p.stats.lateForwarded.Add(1)
		p.record(ctx, item, telemetry.DecisionLate, "failed", 1)
		return p.next.Forward(ctx, item)
	case AlreadySucceeded:
		p.stats.lateDiscarded.Add(1)
		p.record(ctx, item, telemetry.DecisionLate, "succeeded", 1)
	}
	return nil
}

func (p *Processor) resolve(ctx context.Context, request *domain.Item) error {
	failed := request.Failed()
	p.stats.requests.Add(1)
	if failed {
		p.stats.failedRequests.Add(1)
	}

	buffered, found := p.buffer.Resolve(request.OperationID, failed)

	var errs []error
	if found {
		telemetry.RecordResolution(ctx, failed, len(buffered))
		if failed {
			for _, child := range buffered {
				if err := p.next.Forward(ctx, child); err != nil {
					errs = append(errs, fmt.Errorf("flush %s item of operation %s: %w", child.Kind, child.OperationID, err))
				}
			}
			p.stats.flushed.Add(uint64(len(buffered)))
			p.recordBatch(ctx, buffered, telemetry.DecisionFlushed)
		} else {
			p.stats.discarded.Add(uint64(len(buffered)))
			p.recordBatch(ctx, buffered, telemetry.DecisionDiscarded)
		}
		p.logger.Debug("Operation resolved",
			"operation_id", request.OperationID,
			"failed", failed,
			"buffered", len(buffered),
		)
	}

	p.stats.forwarded.Add(1)
	p.record(ctx, request, telemetry.DecisionTerminal, "", 1)
	if err := p.next.Forward(ctx, request); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sweep evicts buffers older than MaxBufferAge and forgets resolved markers
// older than ResolvedTTL, both measured from now. It returns the number of
// evicted items.
func (p *Processor) Sweep(ctx context.Context, now time.Time) int {
	evictedItems := 0
	if p.opts.MaxBufferAge > 0 {
		for _, ev := range p.buffer.EvictOlderThan(now.Add(-p.opts.MaxBufferAge)) {
			evictedItems += len(ev.Items)
			p.recordBatch(ctx, ev.Items, telemetry.DecisionEvicted)
		}
		if evictedItems > 0 {
			p.stats.evicted.Add(uint64(evictedItems))
			p.logger.Warn("Evicted unresolved operation buffers",
				"items", evictedItems,
				"max_age", p.opts.MaxBufferAge,
			)
		}
	}
	if p.opts.ResolvedTTL > 0 {
		if n := p.buffer.ForgetResolvedBefore(now.Add(-p.opts.ResolvedTTL)); n > 0 {
			p.logger.Debug("Expired resolved operation markers", "count", n)
		}
	}
	return evictedItems
}

// Run sweeps periodically until ctx is cancelled. It returns immediately when
// neither MaxBufferAge nor ResolvedTTL is set.
func (p *Processor) Run(ctx context.Context) error {
	if p.opts.MaxBufferAge <= 0 && p.opts.ResolvedTTL <= 0 {
		return nil
	}
	interval := p.opts.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Sweep(ctx, p.now())
		}
	}
}

// Stats returns the current counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Received:          p.stats.received.Load(),
		Forwarded:         p.stats.forwarded.Load(),
		Dropped:           p.stats.dropped.Load(),
		Buffered:          p.stats.buffered.Load(),
		Flushed:           p.stats.flushed.Load(),
		Discarded:         p.stats.discarded.Load(),
		Requests:          p.stats.requests.Load(),
		FailedRequests:    p.stats.failedRequests.Load(),
		Evicted:           p.stats.evicted.Load(),
		Overflowed:        p.stats.overflowed.Load(),
		LateForwarded:     p.stats.lateForwarded.Load(),
		LateDiscarded:     p.stats.lateDiscarded.Load(),
		PendingOperations: p.buffer.Len(),
		PendingItems:      p.buffer.Items(),
	}
}

// PendingOperations returns the number of operations holding buffered items.
func (p *Processor) PendingOperations() int {
	return p.buffer.Len()
}

// PendingItems returns the number of buffered items.
func (p *Processor) PendingItems() int {
	return p.buffer.Items()
}

func (p *Processor) record(ctx context.Context, item *domain.Item, decision telemetry.Decision, reason string, count int) {
	telemetry.RecordDecision(ctx, telemetry.DecisionMetrics{
		Kind:     item.Kind.String(),
		Decision: decision,
		Reason:   reason,
		Count:    count,
	})
}

func (p *Processor) recordBatch(ctx context.Context, items []*domain.Item, decision telemetry.Decision) {
	perKind := make(map[domain.Kind]int, 4)
	for _, it := range items {
		perKind[it.Kind]++
	}
	for kind, n := range perKind {
		telemetry.RecordDecision(ctx, telemetry.DecisionMetrics{
			Kind:     kind.String(),
			Decision: decision,
			Count:    n,
		})
	}
}
