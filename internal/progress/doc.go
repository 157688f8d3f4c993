// Package progress carries ingestion lifecycle events from the orchestrator to
// pluggable sinks. Events are batched on a background goroutine so emitters
// never block on slow consumers.
package progress
