package otlp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

// ExporterConfig configures the batching OTLP exporter.
type ExporterConfig struct {
	Endpoint      string
	Insecure      bool
	Headers       map[string]string
	ServiceName   string
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
}

func (c *ExporterConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = "polis-tailfilter"
	}
}

// ExporterStats reports exporter throughput.
type ExporterStats struct {
	Exported uint64
	Failed   uint64
	Rejected uint64
}

// Exporter is a domain.Sink that converts items back into spans and ships
// them to an OTLP collector in batches. Forward never blocks: once the queue
// is full it returns domain.ErrSinkFull.
type Exporter struct {
	cfg    ExporterConfig
	client collectortrace.TraceServiceClient
	conn   *grpc.ClientConn
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *domain.Item
	done   chan struct{}

	exported atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// NewExporter dials cfg.Endpoint and starts the export worker.
func NewExporter(cfg ExporterConfig, logger *slog.Logger) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: otlp exporter endpoint is required", domain.ErrConfigInvalid)
	}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial otlp collector %s: %w", cfg.Endpoint, err)
	}

	e := NewExporterWithClient(collectortrace.NewTraceServiceClient(conn), cfg, logger)
	e.conn = conn
	return e, nil
}

// NewExporterWithClient starts an exporter over an existing trace service
// client.
func NewExporterWithClient(client collectortrace.TraceServiceClient, cfg ExporterConfig, logger *slog.Logger) *Exporter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	e := &Exporter{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "otlp-exporter", "endpoint", cfg.Endpoint),
		queue:  make(chan *domain.Item, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Forward implements domain.Sink.
func (e *Exporter) Forward(_ context.Context, item *domain.Item) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return domain.ErrSinkClosed
	}
	select {
	case e.queue <- item:
		return nil
	default:
		return domain.ErrSinkFull
	}
}

// Stats returns a snapshot of the exporter counters.
func (e *Exporter) Stats() ExporterStats {
	return ExporterStats{
		Exported: e.exported.Load(),
		Failed:   e.failed.Load(),
		Rejected: e.rejected.Load(),
	}
}

// Shutdown stops accepting items, exports what is queued and closes the
// connection. It returns ctx.Err() if the queue could not be drained in time.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	var err error
	select {
	case <-e.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if e.conn != nil {
		if cerr := e.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close otlp connection: %w", cerr))
		}
	}
	return err
}

func (e *Exporter) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*domain.Item, 0, e.cfg.BatchSize)
	for {
		select {
		case item, ok := <-e.queue:
			if !ok {
				e.export(batch)
				return
			}
			batch = append(batch, item)
			if len(batch) >= e.cfg.BatchSize {
				e.export(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			e.export(batch)
			batch = batch[:0]
		}
	}
}

func (e *Exporter) export(batch []*domain.Item) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()
	if len(e.cfg.Headers) > 0 {
		pairs := make([]string, 0, len(e.cfg.Headers)*2)
		for k, v := range e.cfg.Headers {
			pairs = append(pairs, k, v)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
	}

	req := &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: ItemsToResourceSpans(batch, e.cfg.ServiceName),
	}
	resp, err := e.client.Export(ctx, req)
	if err != nil {
		e.failed.Add(uint64(len(batch)))
		e.logger.Error("otlp export failed", "items", len(batch), "error", err)
		return
	}

	rejected := resp.GetPartialSuccess().GetRejectedSpans()
	if rejected > 0 {
		e.rejected.Add(uint64(rejected))
		e.logger.Warn("otlp collector rejected spans",
			"rejected", rejected,
			"message", resp.GetPartialSuccess().GetErrorMessage(),
		)
	}
	e.exported.Add(uint64(len(batch)))
}
