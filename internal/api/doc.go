// Package api hosts the read-only HTTP server for operators. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for tracked state, breakers and the last run.
//   - GET /v1/properties/{key} and /v1/properties/{key}/images, where key is
//     a property key or a URL-escaped address.
//   - GET /v1/runs for finalized run logs and /v1/runs/{id} for one log.
package api
