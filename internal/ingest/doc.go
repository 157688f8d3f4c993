// Package ingest defines the core types, interfaces and error taxonomy shared by
// the listing photo ingestion pipeline.
package ingest
