package otlp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

// Attribute keys written on spans synthesised from items.
const (
	attrKind     = "tailfilter.kind"
	attrSeverity = "log.severity"
	attrMessage  = "log.message"

	exceptionEventName = "exception"
)

// operationNamespace derives stable trace ids for items whose operation id is
// not already a 16-byte hex trace id.
var operationNamespace = uuid.MustParse("5d3c4b0e-8f7a-4c1e-9b2d-6a1f0e3c7d54")

// SpanRef is the Payload of items converted from OTLP spans.
type SpanRef struct {
	Resource *resourcepb.Resource
	Scope    *commonpb.InstrumentationScope
	// Span is the source span with its events removed.
	Span *tracepb.Span
	// Event is set when the item was produced from one of Span's events.
	Event *tracepb.Span_Event
}

// ItemsFromResourceSpans converts an OTLP export request into telemetry items.
//
// A root span (no parent) becomes the operation's request. Client and
// producer spans become dependencies; other spans are plain children. Every
// span event becomes its own item: "exception" events are exceptions, all
// others are traces whose severity comes from the log.severity attribute.
// Child items are returned ahead of request items so that a request exported
// in the same batch as its children resolves after them.
func ItemsFromResourceSpans(rss []*tracepb.ResourceSpans) []*domain.Item {
	var children, requests []*domain.Item

	for _, rs := range rss {
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				stripped := proto.Clone(span).(*tracepb.Span)
				stripped.Events = nil

				operationID := hex.EncodeToString(span.GetTraceId())
				spanID := hex.EncodeToString(span.GetSpanId())

				for i, ev := range span.GetEvents() {
					children = append(children, eventItem(operationID, spanID, i, ev, &SpanRef{
						Resource: rs.GetResource(),
						Scope:    ss.GetScope(),
						Span:     stripped,
						Event:    ev,
					}))
				}

				item := spanItem(operationID, spanID, span, &SpanRef{
					Resource: rs.GetResource(),
					Scope:    ss.GetScope(),
					Span:     stripped,
				})
				if item.Kind == domain.KindRequest {
					requests = append(requests, item)
				} else {
					children = append(children, item)
				}
			}
		}
	}

	return append(children, requests...)
}

func spanItem(operationID, spanID string, span *tracepb.Span, ref *SpanRef) *domain.Item {
	item := &domain.Item{
		ID:          spanID,
		Kind:        spanKind(span),
		OperationID: operationID,
		Name:        span.GetName(),
		Timestamp:   unixNano(span.GetStartTimeUnixNano()),
		Message:     span.GetStatus().GetMessage(),
		Attributes:  attributesToMap(span.GetAttributes()),
		Payload:     ref,
	}
	if end, start := span.GetEndTimeUnixNano(), span.GetStartTimeUnixNano(); end > start {
		item.Duration = time.Duration(end - start)
	}

	switch span.GetStatus().GetCode() {
	case tracepb.Status_STATUS_CODE_ERROR:
		item.Success = domain.Bool(false)
	case tracepb.Status_STATUS_CODE_OK:
		item.Success = domain.Bool(true)
	case tracepb.Status_STATUS_CODE_UNSET:
	}

	for _, key := range []string{"http.response.status_code", "http.status_code", "rpc.grpc.status_code"} {
		if code, ok := item.Attributes[key]; ok {
			item.ResponseCode = code
			break
		}
	}
	return item
}

func spanKind(span *tracepb.Span) domain.Kind {
	if len(span.GetParentSpanId()) == 0 {
		return domain.KindRequest
	}
	switch span.GetKind() {
	case tracepb.Span_SPAN_KIND_CLIENT, tracepb.Span_SPAN_KIND_PRODUCER:
		return domain.KindDependency
	default:
		return domain.KindOther
	}
}

func eventItem(operationID, spanID string, index int, ev *tracepb.Span_Event, ref *SpanRef) *domain.Item {
	attrs := attributesToMap(ev.GetAttributes())
	item := &domain.Item{
		ID:          spanID + "#" + strconv.Itoa(index),
		OperationID: operationID,
		Name:        ev.GetName(),
		Timestamp:   unixNano(ev.GetTimeUnixNano()),
		Attributes:  attrs,
		Payload:     ref,
	}

	if ev.GetName() == exceptionEventName {
		item.Kind = domain.KindException
		item.Message = attrs["exception.message"]
		return item
	}

	item.Kind = domain.KindTrace
	item.Message = ev.GetName()
	for _, key := range []string{attrMessage, "message"} {
		if msg, ok := attrs[key]; ok {
			item.Message = msg
			break
		}
	}
	for _, key := range []string{attrSeverity, "severity", "level"} {
		if name, ok := attrs[key]; ok {
			if sev, err := domain.ParseSeverity(name); err == nil {
				item.Severity = domain.Level(sev)
			}
			break
		}
	}
	return item
}

// ItemsToResourceSpans converts forwarded items back into OTLP spans. Items
// that came from OTLP keep their resource, scope and span; event items become
// zero-length internal spans parented to their source span. Items from other
// sources are grouped under a synthetic resource.
func ItemsToResourceSpans(items []*domain.Item, serviceName string) []*tracepb.ResourceSpans {
	type groupKey struct {
		resource *resourcepb.Resource
		scope    *commonpb.InstrumentationScope
	}

	var (
		order  []groupKey
		groups = make(map[groupKey][]*tracepb.Span)
	)
	fallback := &resourcepb.Resource{Attributes: []*commonpb.KeyValue{stringKV("service.name", serviceName)}}
	fallbackScope := &commonpb.InstrumentationScope{Name: "github.com/polisai/polis-tailfilter"}

	for _, item := range items {
		var key groupKey
		var span *tracepb.Span

		if ref, ok := item.Payload.(*SpanRef); ok && ref.Span != nil {
			key = groupKey{resource: ref.Resource, scope: ref.Scope}
			if ref.Event != nil {
				span = eventSpan(item, ref)
			} else {
				span = ref.Span
			}
		} else {
			key = groupKey{resource: fallback, scope: fallbackScope}
			span = synthesizeSpan(item)
		}

		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], span)
	}

	out := make([]*tracepb.ResourceSpans, 0, len(order))
	for _, key := range order {
		out = append(out, &tracepb.ResourceSpans{
			Resource: key.resource,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: key.scope,
				Spans: groups[key],
			}},
		})
	}
	return out
}

func eventSpan(item *domain.Item, ref *SpanRef) *tracepb.Span {
	attrs := append([]*commonpb.KeyValue{stringKV(attrKind, item.Kind.String())}, ref.Event.GetAttributes()...)
	return &tracepb.Span{
		TraceId:           ref.Span.GetTraceId(),
		SpanId:            newSpanID(),
		ParentSpanId:      ref.Span.GetSpanId(),
		Name:              ref.Event.GetName(),
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: ref.Event.GetTimeUnixNano(),
		EndTimeUnixNano:   ref.Event.GetTimeUnixNano(),
		Attributes:        attrs,
	}
}

func synthesizeSpan(item *domain.Item) *tracepb.Span {
	start := item.Timestamp
	if start.IsZero() {
		start = time.Now()
	}

	span := &tracepb.Span{
		TraceId:           traceIDFor(item.OperationID),
		SpanId:            newSpanID(),
		Name:              item.Name,
		StartTimeUnixNano: uint64(start.UnixNano()),
		EndTimeUnixNano:   uint64(start.Add(item.Duration).UnixNano()),
		Attributes:        []*commonpb.KeyValue{stringKV(attrKind, item.Kind.String())},
	}
	if span.Name == "" {
		span.Name = item.Kind.String()
	}

	switch item.Kind {
	case domain.KindRequest:
		span.Kind = tracepb.Span_SPAN_KIND_SERVER
	case domain.KindDependency:
		span.Kind = tracepb.Span_SPAN_KIND_CLIENT
	case domain.KindException, domain.KindTrace, domain.KindOther:
		span.Kind = tracepb.Span_SPAN_KIND_INTERNAL
	}

	if item.Success != nil {
		span.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
		if !*item.Success {
			span.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: item.Message}
		}
	}
	if item.Severity != nil {
		span.Attributes = append(span.Attributes, stringKV(attrSeverity, item.Severity.String()))
	}
	if item.Message != "" {
		span.Attributes = append(span.Attributes, stringKV(attrMessage, item.Message))
	}
	for k, v := range item.Attributes {
		span.Attributes = append(span.Attributes, stringKV(k, v))
	}
	return span
}

// traceIDFor returns the operation id as trace id bytes when it already is a
// hex trace id, and a name-based UUID otherwise.
func traceIDFor(operationID string) []byte {
	if operationID == "" {
		id := uuid.New()
		return id[:]
	}
	if raw, err := hex.DecodeString(operationID); err == nil && len(raw) == 16 {
		return raw
	}
	id := uuid.NewSHA1(operationNamespace, []byte(operationID))
	return id[:]
}

func newSpanID() []byte {
	id := uuid.New()
	return id[:8]
}

func unixNano(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}

func stringKV(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func attributesToMap(kvs []*commonpb.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = anyValueString(kv.GetValue())
	}
	return out
}

func anyValueString(v *commonpb.AnyValue) string {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
