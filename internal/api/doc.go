// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes; readyz fails with no active credential.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/track and /v1/bulk for rank lookups. A caller may supply its
//     own provider key in the X-SERP-API-Key header to bypass the pool.
//   - GET /v1/results for stored lookups.
//   - /v1/keys/... for credential administration.
package api
