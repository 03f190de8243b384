// Package server exposes the filter over HTTP: JSON telemetry ingest, a
// health probe and Prometheus metrics.
package server
