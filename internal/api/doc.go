// Package api hosts the HTTP server, middleware, and protocol handlers.
// Notable routes:
//   - POST /webmention to receive mentions, GET /webmention/{id} for status.
//   - GET /micropub for q=config, q=syndicate-to and q=source.
//   - POST /micropub for create, update, delete and undelete.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
