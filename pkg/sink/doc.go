// Package sink provides domain.Sink implementations that terminate the
// filtering pipeline: structured logging, NATS publishing, fan-out and counting.
// The OTLP exporter lives in package otlp next to the span conversion it needs.
package sink
