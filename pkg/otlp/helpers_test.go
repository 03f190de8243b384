package otlp

import (
	"context"
	"net"
	"sync"
	"testing"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

type mockTraceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
	notify        chan struct{}
}

func startMockTraceCollector(t *testing.T) (*mockTraceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start OTLP listener: %v", err)
	}

	collector := &mockTraceCollector{notify: make(chan struct{}, 1)}

	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)
	go func() {
		_ = server.Serve(lis)
	}()

	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

func (m *mockTraceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	m.mu.Lock()
	m.resourceSpans = append(m.resourceSpans, req.ResourceSpans...)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (m *mockTraceCollector) WaitForSpans(ctx context.Context, minSpans int) []*tracepb.Span {
	for {
		m.mu.Lock()
		spans := flattenResourceSpans(m.resourceSpans)
		m.mu.Unlock()
		if len(spans) >= minSpans {
			return spans
		}

		select {
		case <-ctx.Done():
			return spans
		case <-m.notify:
		}
	}
}

func (m *mockTraceCollector) Spans() []*tracepb.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	return flattenResourceSpans(m.resourceSpans)
}

func flattenResourceSpans(resSpans []*tracepb.ResourceSpans) []*tracepb.Span {
	var spans []*tracepb.Span
	for _, rs := range resSpans {
		for _, scope := range rs.ScopeSpans {
			spans = append(spans, scope.Spans...)
		}
	}
	return spans
}

// blockingClient holds every Export call until release is closed.
type blockingClient struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingClient) Export(ctx context.Context, _ *collectortrace.ExportTraceServiceRequest, _ ...grpc.CallOption) (*collectortrace.ExportTraceServiceResponse, error) {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

var (
	testTraceID = []byte{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	rootSpanID  = []byte{0, 0, 0, 0, 0, 0, 0, 1}
	childSpanID = []byte{0, 0, 0, 0, 0, 0, 0, 2}
)

const testOperationID = "4bf92f3577b34da6a3ce929d0e0e4736"

func kv(key, value string) *commonpb.KeyValue {
	return stringKV(key, value)
}

// operationSpans builds one request span with a client child span carrying a
// debug log event. statusCode sets the root status.
func operationSpans(statusCode tracepb.Status_StatusCode) *collectortrace.ExportTraceServiceRequest {
	const start = uint64(1_700_000_000_000_000_000)

	child := &tracepb.Span{
		TraceId:           testTraceID,
		SpanId:            childSpanID,
		ParentSpanId:      rootSpanID,
		Name:              "GET inventory",
		Kind:              tracepb.Span_SPAN_KIND_CLIENT,
		StartTimeUnixNano: start + 1_000_000,
		EndTimeUnixNano:   start + 6_000_000,
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
		Events: []*tracepb.Span_Event{{
			TimeUnixNano: start + 2_000_000,
			Name:         "cache miss",
			Attributes:   []*commonpb.KeyValue{kv("log.severity", "debug")},
		}},
	}
	root := &tracepb.Span{
		TraceId:           testTraceID,
		SpanId:            rootSpanID,
		Name:              "POST /orders",
		Kind:              tracepb.Span_SPAN_KIND_SERVER,
		StartTimeUnixNano: start,
		EndTimeUnixNano:   start + 10_000_000,
		Status:            &tracepb.Status{Code: statusCode},
		Attributes:        []*commonpb.KeyValue{{Key: "http.response.status_code", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 200}}}},
	}

	return &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{kv("service.name", "orders")}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "orders"},
				// Root first to check that conversion reorders it.
				Spans: []*tracepb.Span{root, child},
			}},
		}},
	}
}
