// Package sinks implements the progress consumers: structured logs,
// Prometheus collectors and the event publisher bridge.
package sinks
