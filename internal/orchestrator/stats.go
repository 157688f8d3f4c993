package orchestrator

import (
	"github.com/JakeFAU/listing-photo-ingest/internal/concurrency"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
)

// Statistics is the summary served to reporting callers.
type Statistics struct {
	State        state.Summary                 `json:"state"`
	DedupEntries int                           `json:"dedup_entries"`
	Sources      []string                      `json:"sources"`
	Breakers     []concurrency.CircuitSnapshot `json:"breakers"`
	TopErrors    []concurrency.ErrorCount      `json:"top_errors"`
	InFlight     int64                         `json:"in_flight"`
	PeakInFlight int64                         `json:"peak_in_flight"`
	LastRun      *ExtractionResult             `json:"last_run,omitempty"`
}

// GetImages returns the manifest of key, including removed entries.
func (o *Orchestrator) GetImages(key ingest.PropertyKey) []ingest.ImageMetadata {
	return o.deps.State.Images(key)
}

// GetProperty returns the tracked state of key.
func (o *Orchestrator) GetProperty(key ingest.PropertyKey) ingest.PropertyState {
	return o.deps.State.Property(key)
}

// GetStatistics summarizes tracked state and the most recent run.
func (o *Orchestrator) GetStatistics() Statistics {
	s := Statistics{
		State:        o.deps.State.Summary(),
		DedupEntries: o.deps.Dedup.Len(),
		Breakers:     o.deps.Manager.Breakers(),
		TopErrors:    o.deps.Manager.TopErrors(o.cfg.TopErrors),
		InFlight:     o.deps.Manager.InFlight(),
		PeakInFlight: o.deps.Manager.PeakInFlight(),
	}
	for _, src := range o.deps.Sources {
		s.Sources = append(s.Sources, src.Name())
	}
	o.mu.RLock()
	if o.lastRun != nil {
		last := *o.lastRun
		s.LastRun = &last
	}
	o.mu.RUnlock()
	return s
}

// ResetProperty reopens a completed property for the next run.
func (o *Orchestrator) ResetProperty(key ingest.PropertyKey) {
	o.deps.State.ResetProperty(key)
}
