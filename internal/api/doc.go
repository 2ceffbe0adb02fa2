// Package api hosts the ops HTTP server, middleware, and handlers that let an
// external scheduler or operator drive the ingestor. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/dispatch and /v1/prune to trigger runs.
//   - GET /v1/sources and /v1/sources/{source_id} for source health.
package api
