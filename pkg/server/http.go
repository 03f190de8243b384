package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

const (
	ingestPath = "/v1/telemetry"

	// maxBodyBytes bounds a single ingest request.
	maxBodyBytes = 4 << 20

	sourceHTTP = "http"
)

// IngestResponse is returned when at least one item was accepted. Rejected
// items were not forwarded; resending them alone is safe, resending the whole
// body duplicates the accepted ones.
type IngestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Handler serves the HTTP ingest API.
type Handler struct {
	next    domain.Sink
	metrics *Metrics
	logger  *slog.Logger
}

// NewHandler returns the HTTP surface of the filter: POST /v1/telemetry for
// JSON ingest, GET /healthz and, when metrics is non-nil, GET /metrics.
func NewHandler(next domain.Sink, metrics *Metrics, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{next: next, metrics: metrics, logger: logger.With("component", "http-ingest")}

	mux := http.NewServeMux()
	mux.Handle("POST "+ingestPath, otelhttp.NewHandler(http.HandlerFunc(h.ingest), "tailfilter.ingest"))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", metrics.Handler())
	return metrics.Middleware(mux)
}

// ingest accepts a single item or a JSON array of items. Items are forwarded
// in body order; a downstream failure does not stop later items. The request
// fails only when no item was accepted.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	items, err := decodeItems(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.recordError("decode")
		h.writeError(w, r, http.StatusBadRequest, "INVALID_ITEM", err.Error())
		return
	}

	var (
		accepted int
		errs     []error
		messages []string
	)
	for i, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if err := h.next.Forward(r.Context(), item); err != nil {
			errs = append(errs, err)
			messages = append(messages, fmt.Sprintf("item %d (%s): %v", i, item.ID, err))
			continue
		}
		accepted++
		if h.metrics != nil {
			h.metrics.RecordIngest(sourceHTTP, item.Kind.String())
		}
	}

	if len(errs) == 0 {
		writeJSON(w, http.StatusAccepted, IngestResponse{Accepted: accepted})
		return
	}

	err = errors.Join(errs...)
	h.logger.Warn("Forwarding ingested items failed", "items", len(items), "failed", len(errs), "error", err)

	// A partially accepted body is never reported as retryable.
	if accepted > 0 {
		h.recordError("partial")
		writeJSON(w, http.StatusAccepted, IngestResponse{Accepted: accepted, Rejected: len(errs), Errors: messages})
		return
	}
	if errors.Is(err, domain.ErrSinkFull) {
		h.recordError("sink_full")
		w.Header().Set("Retry-After", "1")
		h.writeError(w, r, http.StatusServiceUnavailable, "SINK_FULL", "downstream queue is full")
		return
	}
	h.recordError("forward")
	h.writeError(w, r, http.StatusBadGateway, "FORWARD_FAILED",
		fmt.Sprintf("%d of %d items could not be forwarded", len(errs), len(items)))
}

func decodeItems(body io.Reader) ([]*domain.Item, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", domain.ErrInvalidItem, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrInvalidItem)
	}

	var items []*domain.Item
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidItem, err)
		}
	} else {
		var item domain.Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidItem, err)
		}
		items = append(items, &item)
	}

	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("%w: element %d is null", domain.ErrInvalidItem, i)
		}
	}
	return items, nil
}

func (h *Handler) recordError(reason string) {
	if h.metrics != nil {
		h.metrics.RecordIngestError(sourceHTTP, reason)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := domain.ErrorResponse{Code: code, Message: message}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
