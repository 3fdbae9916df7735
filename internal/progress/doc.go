// Package progress batches crawl and index events on a background goroutine
// and fans them out to sinks: structured logs, Prometheus and the event
// publisher. Emit never blocks the crawl.
package progress
