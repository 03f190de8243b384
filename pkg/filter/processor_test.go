package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

func newTestProcessor(t *testing.T, opts Options) (*Processor, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	p, err := NewProcessor(sink, opts, nil)
	require.NoError(t, err)
	return p, sink
}

func processAll(t *testing.T, p *Processor, items ...*domain.Item) {
	t.Helper()
	for _, it := range items {
		require.NoError(t, p.Process(context.Background(), it))
	}
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(nil, DefaultOptions(), nil)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	opts := DefaultOptions()
	opts.MaxBufferAge = -time.Second
	opts.MaxItemsPerOperation = -1
	_, err = NewProcessor(&recordingSink{}, opts, nil)
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "max_buffer_age")
	assert.Contains(t, err.Error(), "max_items_per_operation")
}

func TestProcessFailedOperationFlushesInOrder(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p,
		traceItem("trace", "A", domain.SeverityVerbose),
		dependencyItem("dep", "A", true, 5*time.Millisecond),
		requestItem("req", "A", domain.Bool(false)),
	)

	assert.Equal(t, []string{"trace", "dep", "req"}, sink.IDs())
	assert.Equal(t, 0, p.PendingOperations())
}

func TestProcessSuccessfulOperationForwardsOnlyRequest(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p,
		traceItem("trace", "B", domain.SeverityVerbose),
		requestItem("req", "B", domain.Bool(true)),
	)

	assert.Equal(t, []string{"req"}, sink.IDs())
	assert.Equal(t, 0, p.PendingOperations())
}

func TestProcessUnknownOutcomeDiscardsChildren(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p,
		traceItem("trace", "U", domain.SeverityInformation),
		requestItem("req", "U", nil),
	)

	assert.Equal(t, []string{"req"}, sink.IDs())
}

func TestProcessFailedDependencyForwardedImmediately(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p,
		traceItem("trace", "C", domain.SeverityVerbose),
		dependencyItem("failed-dep", "C", false, time.Millisecond),
	)
	assert.Equal(t, []string{"failed-dep"}, sink.IDs(), "failed dependency is not held back")

	processAll(t, p, requestItem("req", "C", domain.Bool(true)))
	assert.Equal(t, []string{"failed-dep", "req"}, sink.IDs())
}

func TestProcessFailedDependencyNotDuplicatedOnFailure(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p,
		traceItem("trace", "C", domain.SeverityVerbose),
		dependencyItem("failed-dep", "C", false, time.Millisecond),
		requestItem("req", "C", domain.Bool(false)),
	)
	assert.Equal(t, []string{"failed-dep", "trace", "req"}, sink.IDs())
}

func TestProcessOrphanException(t *testing.T) {
	opts := DefaultOptions()
	opts.IncludeOperationLessTelemetry = false
	p, sink := newTestProcessor(t, opts)

	processAll(t, p, exceptionItem("exc", ""))
	assert.Equal(t, []string{"exc"}, sink.IDs())
}

func TestProcessOrphans(t *testing.T) {
	tests := []struct {
		name    string
		include bool
		want    []string
	}{
		{"included", true, []string{"orphan"}},
		{"excluded", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.IncludeOperationLessTelemetry = tt.include
			p, sink := newTestProcessor(t, opts)

			processAll(t, p, traceItem("orphan", "", domain.SeverityVerbose))

			if tt.want == nil {
				assert.Empty(t, sink.IDs())
				assert.Equal(t, uint64(1), p.Stats().Dropped)
			} else {
				assert.Equal(t, tt.want, sink.IDs())
			}
			assert.Equal(t, 0, p.PendingOperations(), "orphans never touch the buffer")
		})
	}
}

func TestProcessOrphanRequestForwardedPerOrphanPolicy(t *testing.T) {
	opts := DefaultOptions()
	opts.IncludeOperationLessTelemetry = false
	p, sink := newTestProcessor(t, opts)

	processAll(t, p, requestItem("req", "", domain.Bool(false)))
	assert.Empty(t, sink.IDs())
}

func TestProcessOverridesNeverBuffered(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p,
		exceptionItem("exc", "op"),
		dependencyItem("slow", "op", true, 250*time.Millisecond),
		traceItem("err", "op", domain.SeverityError),
	)

	assert.Equal(t, []string{"exc", "slow", "err"}, sink.IDs())
	assert.Equal(t, 0, p.PendingOperations())
}

func TestProcessOtherKindIsPlainChild(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p, &domain.Item{ID: "metric", Kind: domain.KindOther, OperationID: "op"})
	assert.Empty(t, sink.IDs())
	assert.Equal(t, 1, p.PendingItems())

	processAll(t, p, requestItem("req", "op", domain.Bool(false)))
	assert.Equal(t, []string{"metric", "req"}, sink.IDs())
}

func TestProcessRequestWithoutChildren(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())
	processAll(t, p, requestItem("req", "lonely", domain.Bool(false)))
	assert.Equal(t, []string{"req"}, sink.IDs())
}

func TestProcessOperationsAreIsolated(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p,
		traceItem("a1", "A", domain.SeverityVerbose),
		traceItem("b1", "B", domain.SeverityVerbose),
		traceItem("a2", "A", domain.SeverityVerbose),
		requestItem("reqA", "A", domain.Bool(false)),
	)
	assert.Equal(t, []string{"a1", "a2", "reqA"}, sink.IDs())
	assert.Equal(t, 1, p.PendingOperations())

	processAll(t, p, requestItem("reqB", "B", domain.Bool(true)))
	assert.Equal(t, []string{"a1", "a2", "reqA", "reqB"}, sink.IDs())
}

func TestProcessNilItem(t *testing.T) {
	p, _ := newTestProcessor(t, DefaultOptions())
	assert.ErrorIs(t, p.Process(context.Background(), nil), domain.ErrInvalidItem)
}

func TestProcessPropagatesForwardErrors(t *testing.T) {
	boom := errors.New("downstream unavailable")
	sink := &recordingSink{failOn: func(it *domain.Item) error {
		if it.ID == "dep" {
			return boom
		}
		return nil
	}}
	p, err := NewProcessor(sink, DefaultOptions(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Process(ctx, traceItem("trace", "op", domain.SeverityVerbose)))
	require.NoError(t, p.Process(ctx, dependencyItem("dep", "op", true, time.Millisecond)))

	err = p.Process(ctx, requestItem("req", "op", domain.Bool(false)))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"trace", "req"}, sink.IDs(), "the rest of the flush and the request are still forwarded")
}

func TestProcessPropagatesOverrideForwardError(t *testing.T) {
	boom := errors.New("sink full")
	p, err := NewProcessor(domain.SinkFunc(func(context.Context, *domain.Item) error { return boom }), DefaultOptions(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Process(context.Background(), exceptionItem("exc", "op")), boom)
}

func TestProcessLateChildLeaksByDefault(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())

	processAll(t, p,
		requestItem("req", "op", domain.Bool(false)),
		traceItem("late", "op", domain.SeverityVerbose),
	)

	assert.Equal(t, []string{"req"}, sink.IDs())
	assert.Equal(t, 1, p.PendingOperations(), "late child starts a buffer that never resolves")
}

func TestProcessResolvedTTLHandlesLateChildren(t *testing.T) {
	opts := DefaultOptions()
	opts.ResolvedTTL = time.Minute
	p, sink := newTestProcessor(t, opts)

	processAll(t, p,
		requestItem("reqF", "failed", domain.Bool(false)),
		requestItem("reqS", "ok", domain.Bool(true)),
		traceItem("lateF", "failed", domain.SeverityVerbose),
		traceItem("lateS", "ok", domain.SeverityVerbose),
	)

	assert.Equal(t, []string{"reqF", "reqS", "lateF"}, sink.IDs())
	assert.Equal(t, 0, p.PendingOperations())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.LateForwarded)
	assert.Equal(t, uint64(1), stats.LateDiscarded)
}

func TestProcessSweepEvictsStaleBuffers(t *testing.T) {
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.MaxBufferAge = time.Minute
	opts.ResolvedTTL = time.Minute
	p, sink := newTestProcessor(t, opts)
	p.now = clock.Now

	processAll(t, p,
		traceItem("stale", "abandoned", domain.SeverityVerbose),
		requestItem("req", "done", domain.Bool(true)),
	)
	clock.Advance(30 * time.Second)
	processAll(t, p, traceItem("fresh", "active", domain.SeverityVerbose))

	assert.Equal(t, 0, p.Sweep(context.Background(), clock.Now()))

	clock.Advance(45 * time.Second)
	assert.Equal(t, 1, p.Sweep(context.Background(), clock.Now()))
	assert.Equal(t, 1, p.PendingOperations())
	assert.Equal(t, uint64(1), p.Stats().Evicted)

	// The resolved marker for "done" expired with the sweep.
	processAll(t, p, traceItem("late", "done", domain.SeverityVerbose))
	assert.Equal(t, 2, p.PendingOperations())
	assert.Equal(t, []string{"req"}, sink.IDs())
}

func TestProcessOverflowDropsNewest(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxItemsPerOperation = 2
	p, sink := newTestProcessor(t, opts)

	processAll(t, p,
		traceItem("1", "op", domain.SeverityVerbose),
		traceItem("2", "op", domain.SeverityVerbose),
		traceItem("3", "op", domain.SeverityVerbose),
		requestItem("req", "op", domain.Bool(false)),
	)

	assert.Equal(t, []string{"1", "2", "req"}, sink.IDs())
	assert.Equal(t, uint64(1), p.Stats().Overflowed)
}

func TestProcessorRun(t *testing.T) {
	p, _ := newTestProcessor(t, DefaultOptions())
	assert.NoError(t, p.Run(context.Background()), "nothing to sweep")

	opts := DefaultOptions()
	opts.MaxBufferAge = time.Millisecond
	opts.SweepInterval = time.Millisecond
	p, _ = newTestProcessor(t, opts)
	processAll(t, p, traceItem("t", "op", domain.SeverityVerbose))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.PendingOperations() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestProcessorIsASink(t *testing.T) {
	inner, sink := newTestProcessor(t, DefaultOptions())
	outer, err := NewProcessor(inner, DefaultOptions(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, outer.Forward(ctx, traceItem("t", "op", domain.SeverityVerbose)))
	require.NoError(t, outer.Forward(ctx, requestItem("req", "op", domain.Bool(false))))

	assert.Equal(t, []string{"t", "req"}, sink.IDs())
}

func TestProcessConcurrentOperations(t *testing.T) {
	p, sink := newTestProcessor(t, DefaultOptions())
	const operations, children = 64, 20

	var wg sync.WaitGroup
	for op := 0; op < operations; op++ {
		wg.Add(1)
		go func(op int) {
			defer wg.Done()
			opID := fmt.Sprintf("op-%d", op)
			ctx := context.Background()

			var childWG sync.WaitGroup
			for c := 0; c < children; c++ {
				childWG.Add(1)
				go func(c int) {
					defer childWG.Done()
					assert.NoError(t, p.Process(ctx, traceItem(fmt.Sprintf("%s/%d", opID, c), opID, domain.SeverityVerbose)))
				}(c)
			}
			childWG.Wait()
			assert.NoError(t, p.Process(ctx, requestItem(opID+"/req", opID, domain.Bool(op%2 == 0))))
		}(op)
	}
	wg.Wait()

	assert.Equal(t, 0, p.PendingOperations())
	for op := 0; op < operations; op++ {
		opID := fmt.Sprintf("op-%d", op)
		got := sink.ForOperation(opID)
		if op%2 == 0 {
			require.Len(t, got, 1, "successful operation %s", opID)
		} else {
			require.Len(t, got, children+1, "failed operation %s", opID)
		}
		assert.Equal(t, opID+"/req", got[len(got)-1].ID, "request is forwarded last for %s", opID)
	}

	stats := p.Stats()
	assert.Equal(t, uint64(operations*(children+1)), stats.Received)
	assert.Equal(t, uint64(operations/2*children), stats.Flushed)
	assert.Equal(t, uint64(operations/2*children), stats.Discarded)
}

// Sequential model: for any interleaving of operations processed in order,
// the forwarded stream equals what the filtering rules prescribe.
func TestProcessorModelProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opts := Options{
			Policy:                        drawPolicy(t),
			IncludeOperationLessTelemetry: rapid.Bool().Draw(t, "include_orphans"),
		}
		sink := &recordingSink{}
		p, err := NewProcessor(sink, opts, nil)
		if err != nil {
			t.Fatalf("NewProcessor: %v", err)
		}

		held := map[string][]string{}
		var want []string

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			item := drawItem(t)
			item.ID = fmt.Sprintf("item-%d", i)

			switch {
			case opts.ForwardImmediately(item):
				want = append(want, item.ID)
			case !item.HasOperation():
				if opts.IncludeOperationLessTelemetry {
					want = append(want, item.ID)
				}
			case item.Kind == domain.KindRequest:
				if item.Failed() {
					want = append(want, held[item.OperationID]...)
				}
				delete(held, item.OperationID)
				want = append(want, item.ID)
			default:
				held[item.OperationID] = append(held[item.OperationID], item.ID)
			}

			if err := p.Process(context.Background(), item); err != nil {
				t.Fatalf("Process: %v", err)
			}
		}

		got := sink.IDs()
		if len(got) != len(want) {
			t.Fatalf("forwarded %v, want %v", got, want)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("forwarded %v, want %v", got, want)
			}
		}
		if p.PendingOperations() != len(held) {
			t.Fatalf("pending operations %d, model holds %d", p.PendingOperations(), len(held))
		}
	})
}
