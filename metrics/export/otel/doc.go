// Package otel bridges engine metrics snapshots into OpenTelemetry
// observable instruments. Values are pulled from the engine on each
// collection cycle; the engine itself never blocks on the meter.
package otel
