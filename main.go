// Package main hosts the scraper service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and run
//     management endpoints. URL lists are validated and handed to the
//     orchestrator, which owns every active run.
//   - Orchestrator: internal/orchestrator dispatches units in bounded
//     batches through an admission gate, checkpoints after every batch,
//     and parks timed-out units for later replay. Runs can be paused,
//     resumed, stopped, and recovered after a crash.
//   - Scrape pipeline: each unit resolves the template's demo homepage,
//     renders it in a pooled Chrome session, extracts catalog metadata,
//     and captures a full-page screenshot with a blank-image recapture.
//   - Persistence & fanout: templates flow through a debounced write
//     buffer into Postgres; screenshots land in the configured object
//     store (memory/GCS); an optional Pub/Sub notification is published
//     per ingested template. Progress events fan out to log and
//     Prometheus sinks.
//   - Configuration & plumbing: Viper populates config from env/files
//     (SCRAPER_ prefix); zap provides structured logging; Prometheus
//     metrics are served on /metrics; the process reacts to SIGTERM
//     with a graceful drain.
package main

import "github.com/templatehive/scraper/cmd"

func main() {
	cmd.Execute()
}
