// Package filter implements tail-based filtering of operation telemetry.
//
// Instrumentation reports many child items (traces, dependency calls) for
// every operation, and almost all operations succeed. The Processor holds
// children in a CorrelationBuffer keyed by operation id until the
// operation's terminal request arrives. A failed request flushes every held
// child, in arrival order, ahead of the request itself; a successful request
// discards them. Items matching a Policy override (exceptions, failed or slow
// dependencies, severe traces) are forwarded immediately and never buffered.
//
// Children that arrive after their request start a new buffer that is never
// consumed. Options.ResolvedTTL and Options.MaxBufferAge bound that growth.
package filter
