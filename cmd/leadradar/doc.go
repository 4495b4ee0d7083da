// Package main hosts the lead discovery service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, discovery, enrichment and lead-review endpoints.
//     Discovery and enrichment requests are recorded as job rows via the Store and enqueued for a worker to pick
//     up; lead listing and review run synchronously against the store.
//   - Queue & worker: jobs flow through a lead.Queue (bounded in-memory channel, a Redis list, or GCP Pub/Sub)
//     to a fixed consumer pool sized by config.Worker.Concurrency. Failed jobs are re-enqueued with a bumped
//     attempt count up to worker.max_attempts; missing entities fail terminally.
//   - Ingestion: internal/ingest discovers candidate accounts three ways: hashtag search plus recent-media
//     pagination through the Graph client, CSV imports of web-search exports (spooled to disk by the API), and a
//     Colly scan of configured business websites. Every connector funnels into the same insert-once-and-enqueue
//     path.
//   - Enrichment: internal/enrich resolves a username through business discovery, applies the profile and
//     metrics to the account row inside a transaction, writes an audit entry, and queues scoring. Enriched
//     profiles are considered fresh for enrich.cooldown_days unless forced.
//   - Scoring: internal/ranking extracts a fixed-shape feature vector and scores it with either the weighted
//     rule scorer or a logistic regression persisted as JSON through a blob store (local disk or GCS). The
//     pipeline upserts the lead in one transaction, preserving the human-owned stage and notes.
//   - Configuration & plumbing: Viper populates config from env/files (LEADRADAR_ prefix); zap provides
//     structured logging; Prometheus metrics are exported via middleware and the /metrics handler. Postgres (pgx
//     pool, embedded migrations) or the in-memory store back persistence.
//
// Operational notes:
//   - Run modes: -mode serve hosts the API; -mode worker consumes the queue and, when sweeps.enabled is set,
//     runs the cron sweeps that refresh stale profiles and re-score enriched accounts; -mode score and
//     -mode train are one-shot batch passes.
//   - Shutdown is coordinated via context cancellation from SIGINT/SIGTERM: the HTTP server drains with a 10s
//     deadline, the worker pool stops after finishing in-flight jobs, and the queue is closed.
//   - Quick start: go run ./cmd/leadradar -config config.yaml -mode serve (plus a second process with
//     -mode worker), or rely solely on LEADRADAR_* env overrides with the in-memory defaults.
package main
