// Package api contains the core building blocks shared by the arcflow
// runtime and the code plugged into it: the node protocol, the platform
// contract and the observer hooks.
//
// Most users interact with the higher-level arcflow package, which re-exports
// selected types and helpers from this package. The api package is intended
// for node and platform implementations, and for contributors extending the
// engine itself.
//
// # Node protocol
//
// A Node is driven by five commands: RESET, SET_PARAMETER, READ_PARAMETER,
// RUN and STOP. Every invocation carries a CommandWord packing the command,
// the stream instance, the reset preset, the parameter tag and the number of
// input and output arcs. Invoke routes a word to the matching Node method.
//
// During RUN a node sees one Buffer per arc, inputs first. It reports what it
// consumed and produced through Buffer.Size and returns StatusNeedsRun to be
// invoked again while its arcs stay ready.
//
// # Platform
//
// A Platform provides the processing identities, the shared memory banks,
// the boot and reset barriers, the IO port transfers and error reporting.
// IO transfers are asynchronous: the platform calls IORequest.Done, possibly
// from another goroutine, once data was moved.
//
// # Flow
//
// Arcs never fail. An overflow or underflow is enacted by the arc's
// FlowPolicy and reported as a FlowEvent.
//
// # Observability
//
// Observer receives graph, pass, node, contention, flow and error events.
// NoopObserver, CompositeObserver, LoggingObserver (log/slog) and
// BasicMetrics are provided here; a Prometheus observer lives in pkg/metrics.
package api
