// Package prometheus renders engine metrics in the Prometheus text
// exposition format without taking a dependency on the Prometheus client.
package prometheus
