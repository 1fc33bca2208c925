// Package main hosts the IndieWeb endpoint service.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts Webmentions on POST /webmention and serves the Micropub endpoint on
//     GET/POST /micropub. Every protocol response carries Link headers advertising the configured endpoints.
//   - Mention queue: accepted mentions are stored as pending in the MentionQueue (memory or Postgres). Duplicate
//     pending mentions for the same source/target pair are merged. The dispatcher wakes the verifier pool on each
//     enqueue and workers also poll on an interval.
//   - Verification: workers gate each source through the host blocklist and per-host rate limiter, fetch it with
//     the Colly fetcher, look for a link to the target, and on success extract microformats2 metadata. Source
//     snapshots go to the configured BlobStore (memory/local/GCS) and an outcome event is published when a topic is
//     configured.
//   - Micropub: bearer tokens are introspected at the token endpoint and cached. Posts are created, updated,
//     deleted and undeleted through the PostStore. Markdown content is rendered with goldmark.
//   - Configuration & plumbing: Viper populates config from env/files, zap provides structured logging, and
//     Prometheus metrics are exported on /metrics.
//
// Quick checklist:
//   - Required: INDIEWEB_SITE_BASE_URL and INDIEWEB_AUTH_TOKEN_ENDPOINT.
//   - Persistence: INDIEWEB_STORAGE_BACKEND=postgres with INDIEWEB_DB_DSN. Snapshots via INDIEWEB_STORAGE_SNAPSHOTS.
//   - Run locally: go run ./cmd/indieweb -config config.yaml (or rely solely on env overrides).
package main
