// Package otlp bridges the tail filter to OpenTelemetry: a gRPC trace
// receiver that turns spans and span events into telemetry items, and a
// batching exporter sink that turns forwarded items back into spans.
package otlp
