package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	decisionCounter   metric.Int64Counter
	resolutionCounter metric.Int64Counter
	flushSizeHist     metric.Int64Histogram
)

// Decision names what the filter did with one item.
type Decision string

// Filter decisions.
const (
	DecisionForwarded Decision = "forwarded" // override rule or orphan inclusion
	DecisionBuffered  Decision = "buffered"
	DecisionFlushed   Decision = "flushed"   // buffered item released by a failed request
	DecisionDiscarded Decision = "discarded" // buffered item dropped by a successful request
	DecisionDropped   Decision = "dropped"   // orphan excluded by configuration
	DecisionTerminal  Decision = "terminal"  // the request item itself
	DecisionEvicted   Decision = "evicted"
	DecisionOverflow  Decision = "overflow"
	DecisionLate      Decision = "late"
)

// DecisionMetrics captures the fields needed to record one filter decision.
type DecisionMetrics struct {
	Kind     string
	Decision Decision
	Reason   string
	Count    int
}

// RecordDecision counts items by kind and decision.
func RecordDecision(ctx context.Context, m DecisionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	count := m.Count
	if count <= 0 {
		count = 1
	}

	attrs := []attribute.KeyValue{
		attribute.String("item.kind", m.Kind),
		attribute.String("filter.decision", string(m.Decision)),
	}
	if m.Reason != "" {
		attrs = append(attrs, attribute.String("filter.reason", m.Reason))
	}

	decisionCounter.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordResolution emits the outcome of one terminal request and the number of
// buffered items it released or discarded.
func RecordResolution(ctx context.Context, failed bool, buffered int) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "succeeded"
	if failed {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(attribute.String("operation.outcome", outcome))

	resolutionCounter.Add(ctx, 1, attrs)
	flushSizeHist.Record(ctx, int64(buffered), attrs)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("tailfilter.filter")

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"tailfilter.items_total",
			metric.WithDescription("Telemetry items partitioned by kind and filter decision"),
			metric.WithUnit("{item}"),
		)
		if metricsInitErr != nil {
			return
		}

		resolutionCounter, metricsInitErr = meter.Int64Counter(
			"tailfilter.operations_resolved_total",
			metric.WithDescription("Operations resolved by a terminal request, by outcome"),
			metric.WithUnit("{operation}"),
		)
		if metricsInitErr != nil {
			return
		}

		flushSizeHist, metricsInitErr = meter.Int64Histogram(
			"tailfilter.operation.buffered_items",
			metric.WithDescription("Buffered child items held by an operation when it resolved"),
			metric.WithUnit("{item}"),
		)
	})

	return metricsInitErr
}
