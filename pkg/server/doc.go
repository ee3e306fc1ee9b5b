// Package server serves the client module map and operational endpoints.
//
// Routes:
//
//	GET  /module-map.json  current snapshot, with ETag and If-None-Match support
//	GET  /status           orchestrator state and last cycle
//	POST /v1/sync          request an out-of-band sync cycle
//	GET  /health           liveness
//	GET  /ready            readiness, true after the first published snapshot
//	GET  /metrics          Prometheus metrics
//
// API routes run behind request ID, panic recovery, rate limiting, the
// Content-Security-Policy and X-Frame-Options headers, and request logging.
package server
