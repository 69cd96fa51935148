// Package telemetry carries structured events out of the persistence core.
//
// Components never log through a global: they receive a Sink and record
// named Events on it. A LogSink writes events through log/slog, a
// MetricsSink counts them in Prometheus, and Multi fans out to several
// sinks. Long-running pipelines additionally open OpenTelemetry spans via
// StartSpan.
package telemetry
