// Package internaldefs holds the shared metric naming tables used by the
// Prometheus and OpenTelemetry exporters so both expose identical series.
package internaldefs
