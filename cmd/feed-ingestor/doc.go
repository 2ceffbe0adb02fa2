// Package main hosts the feed-ingestor entrypoint.
//
// Architecture overview:
//   - Dispatch: internal/dispatcher lists sources (ranked first, then by id) and enqueues one FetchWork per source in
//     batches, tagged with a UUIDv7 dispatch id. Triggers come from the in-process scheduler, POST /v1/dispatch, or the
//     one-shot dispatch command.
//   - Queue: FetchWork travels over an in-memory queue or Google Cloud Pub/Sub. Handlers return an explicit decision
//     (ack, or retry after a delay) that the transport applies.
//   - Pipeline: each delivery is throttled per host, then runs the SSRF guard, a conditional GET through Colly, optional
//     raw archiving (memory/local/GCS), gofeed-based normalization and an idempotent insert keyed by item identity.
//   - Health: every attempt updates the source's fetch and error counters, last error and cache validators.
//     Timeouts, 5xx responses and transport failures are retried with jittered exponential backoff; everything else is
//     dropped after being recorded.
//   - Retention: internal/pruner deletes items older than retention.days, gated by the scheduler to one run per day.
//
// Quick checklist:
//   - Configure via a YAML file (--config) or INGESTOR_* env vars, e.g. INGESTOR_DB_DRIVER=postgres,
//     INGESTOR_DB_DSN, INGESTOR_QUEUE_PROVIDER=pubsub, INGESTOR_PUBSUB_PROJECT_ID.
//   - Register feeds: feed-ingestor source add --id df --url https://daringfireball.net/feeds/main --rank 1
//   - Try a feed without side effects: feed-ingestor inspect https://example.com/feed.xml
//   - Run: feed-ingestor serve
package main
