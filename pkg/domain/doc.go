// Package domain defines the core telemetry types and interfaces for the tail filter.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no OTLP, HTTP, gRPC, NATS, etc.)
// - Stable and unlikely to change frequently
//
// Ingestion adapters translate their wire formats into Item values, the filter
// decides what to keep, and sinks implement the Sink interface defined here.
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
