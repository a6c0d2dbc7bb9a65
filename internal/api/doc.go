// Package api hosts the operator HTTP surface for the window pool. Notable
// routes:
//   - GET /healthz and /readyz for liveness/readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/pool/status and /v1/limiter/stats for dashboards.
//   - POST /v1/windows/{window_id}/penalty and .../clear for manual
//     penalty application and recovery.
package api
