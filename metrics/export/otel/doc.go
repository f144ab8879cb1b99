// Package otel binds session metrics to OpenTelemetry observable
// instruments.
//
// [NewExporter] registers an Int64ObservableCounter per session counter and
// Int64ObservableGauge instruments per latency bucket, plus a Float64
// gauge for the latency sum. One callback reads the manager's snapshot on
// each collection cycle. The caller owns the MeterProvider.
package otel
