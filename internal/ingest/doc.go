// Package ingest defines the canonical feed model and the contracts shared by the
// ingestion pipeline: stores, queues, fetchers and the ack/retry decision type.
//
// Concrete adapters (Postgres, SQLite, Pub/Sub, colly) live in sibling packages and
// depend on this package, never the other way around.
package ingest
