// Package telemetry wires OpenTelemetry exporters and meters for the tail filter's
// own observability.
//
// It centralises trace and meter provider setup and records counters describing every
// filter decision, so operators can see how much telemetry was forwarded,
// held back, flushed for failed operations or discarded for successful ones.
package telemetry
