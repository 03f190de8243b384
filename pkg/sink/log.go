package sink

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

// LogSink writes every forwarded item as a structured log record. It is the
// default sink and the one used by the demo.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Forward implements domain.Sink.
func (s *LogSink) Forward(ctx context.Context, item *domain.Item) error {
	attrs := []slog.Attr{
		slog.String("kind", item.Kind.String()),
	}
	if item.ID != "" {
		attrs = append(attrs, slog.String("item_id", item.ID))
	}
	if item.OperationID != "" {
		attrs = append(attrs, slog.String("operation_id", item.OperationID))
	}
	if item.Name != "" {
		attrs = append(attrs, slog.String("name", item.Name))
	}
	if item.Success != nil {
		attrs = append(attrs, slog.Bool("success", *item.Success))
	}
	if item.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", item.Duration))
	}
	if item.Severity != nil {
		attrs = append(attrs, slog.String("severity", item.Severity.String()))
	}
	if item.ResponseCode != "" {
		attrs = append(attrs, slog.String("response_code", item.ResponseCode))
	}
	if len(item.Attributes) > 0 {
		group := make([]any, 0, len(item.Attributes)*2)
		for k, v := range item.Attributes {
			group = append(group, k, v)
		}
		attrs = append(attrs, slog.Group("attributes", group...))
	}

	msg := item.Message
	if msg == "" {
		msg = "telemetry"
	}
	s.logger.LogAttrs(ctx, levelFor(item), msg, attrs...)
	return nil
}

func levelFor(item *domain.Item) slog.Level {
	switch item.Kind {
	case domain.KindException:
		return slog.LevelError
	case domain.KindTrace:
		if item.Severity == nil {
			return slog.LevelInfo
		}
		switch *item.Severity {
		case domain.SeverityVerbose:
			return slog.LevelDebug
		case domain.SeverityInformation:
			return slog.LevelInfo
		case domain.SeverityWarning:
			return slog.LevelWarn
		default:
			return slog.LevelError
		}
	case domain.KindRequest, domain.KindDependency:
		if item.Failed() {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
