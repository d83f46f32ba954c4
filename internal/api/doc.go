// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for health checks; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/queries, /v1/repos and /v1/seeds to add work.
//   - GET /v1/profiles/{login} to read a stored profile.
package api
