package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/listing-photo-ingest/internal/progress"
)

// PrometheusSink derives run and property level collectors from events.
type PrometheusSink struct {
	runsStarted     prometheus.Counter
	runsActive      prometheus.Gauge
	propertyResults *prometheus.CounterVec
	propertyRuntime *prometheus.HistogramVec
	sourceOutcomes  *prometheus.CounterVec
	imageEvents     *prometheus.CounterVec
	storedBytes     *prometheus.CounterVec

	runs *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_runs_started_total",
			Help: "Extraction runs started.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_runs_active",
			Help: "Extraction runs currently executing.",
		}),
		propertyResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_property_results_total",
			Help: "Property extractions finished, by result.",
		}, []string{"result"}),
		propertyRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_property_runtime_seconds",
			Help:    "Wall time per property extraction.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		sourceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_outcomes_total",
			Help: "Per-property source invocations, by outcome.",
		}, []string{"source", "outcome"}),
		imageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_image_events_total",
			Help: "Images stored or rejected as duplicates, by source.",
		}, []string{"source", "stage"}),
		storedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_stored_bytes_total",
			Help: "Standardized bytes written, by source.",
		}, []string{"source"}),
		runs: &runTracker{active: make(map[string]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted,
		s.runsActive,
		s.propertyResults,
		s.propertyRuntime,
		s.sourceOutcomes,
		s.imageEvents,
		s.storedBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consume(evt)
	}
	return nil
}

func (s *PrometheusSink) consume(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.runs.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		if s.runs.finish(evt.RunID) {
			s.runsActive.Dec()
		}
	case progress.StagePropertyDone:
		s.observeProperty("complete", evt)
	case progress.StagePropertyFailed:
		s.observeProperty("failed", evt)
	case progress.StageSourceDone:
		s.sourceOutcomes.WithLabelValues(label(evt.Source), "done").Inc()
	case progress.StageSourceSkipped:
		s.sourceOutcomes.WithLabelValues(label(evt.Source), "skipped").Inc()
	case progress.StageImageStored:
		s.imageEvents.WithLabelValues(label(evt.Source), "stored").Inc()
		if evt.Bytes > 0 {
			s.storedBytes.WithLabelValues(label(evt.Source)).Add(float64(evt.Bytes))
		}
	case progress.StageImageDuplicate:
		s.imageEvents.WithLabelValues(label(evt.Source), "duplicate").Inc()
	}
}

func (s *PrometheusSink) observeProperty(result string, evt progress.Event) {
	s.propertyResults.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.propertyRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func label(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
