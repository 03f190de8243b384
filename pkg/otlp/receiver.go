package otlp

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"

	"github.com/polisai/polis-tailfilter/pkg/domain"
	"github.com/polisai/polis-tailfilter/pkg/telemetry"
)

// Receiver is an OTLP/gRPC trace service that feeds converted items into a
// sink, normally the tail filter.
type Receiver struct {
	collectortrace.UnimplementedTraceServiceServer

	next   domain.Sink
	logger *slog.Logger
}

// NewReceiver creates a receiver forwarding into next.
func NewReceiver(next domain.Sink, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{next: next, logger: logger.With("component", "otlp-receiver")}
}

// Register installs the receiver on s.
func (r *Receiver) Register(s *grpc.Server) {
	collectortrace.RegisterTraceServiceServer(s, r)
}

// Export implements the OTLP trace service. Items the downstream sink rejects
// are reported through partial success instead of failing the whole request,
// so clients do not retry items that were already accepted.
func (r *Receiver) Export(ctx context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	items := ItemsFromResourceSpans(req.GetResourceSpans())

	ctx, span := telemetry.Tracer().Start(ctx, "tailfilter.otlp.export",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int("tailfilter.items", len(items))),
	)
	defer span.End()

	var (
		rejected int64
		errs     []error
	)
	for _, item := range items {
		if err := r.next.Forward(ctx, item); err != nil {
			rejected++
			errs = append(errs, err)
		}
	}

	resp := &collectortrace.ExportTraceServiceResponse{}
	if rejected > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "downstream rejected items")
		r.logger.Warn("downstream rejected items", "rejected", rejected, "received", len(items), "error", err)
		resp.PartialSuccess = &collectortrace.ExportTracePartialSuccess{
			RejectedSpans: rejected,
			ErrorMessage:  err.Error(),
		}
	}
	return resp, nil
}
