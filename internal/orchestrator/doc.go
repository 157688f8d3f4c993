// Package orchestrator drives extraction runs: properties fan out under the
// concurrency manager, each source lists candidate URLs, and new or changed
// URLs flow through standardization, deduplication and the content store
// before the state tracker records them.
package orchestrator
