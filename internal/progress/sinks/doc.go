// Package sinks implements progress consumers: structured logging, Prometheus
// counters and Pub/Sub notifications. Each satisfies progress.Sink.
package sinks
