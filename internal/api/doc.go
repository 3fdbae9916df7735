// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /crawl/sessions, GET/DELETE /crawl/sessions/{id} and
//     GET /crawl/sessions/{id}/log for crawl sessions.
//   - GET /search for ranked queries over the index.
//   - POST /render and POST /spa/detect for one-off page diagnostics.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
