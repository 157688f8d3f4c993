package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-photo-ingest/internal/clock/system"
	"github.com/JakeFAU/listing-photo-ingest/internal/concurrency"
	"github.com/JakeFAU/listing-photo-ingest/internal/contentstore"
	"github.com/JakeFAU/listing-photo-ingest/internal/dedup"
	"github.com/JakeFAU/listing-photo-ingest/internal/id/uuid"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/metrics"
	"github.com/JakeFAU/listing-photo-ingest/internal/phash"
	"github.com/JakeFAU/listing-photo-ingest/internal/progress"
	"github.com/JakeFAU/listing-photo-ingest/internal/retry"
	"github.com/JakeFAU/listing-photo-ingest/internal/standardize"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
)

// Run modes recorded in the run log.
const (
	ModeResume = "resume"
	ModeFull   = "full"
)

// Deps are the collaborators of an Orchestrator. Runs and Progress are
// optional; Clock and IDs default to the wall clock and UUIDv7 run ids.
type Deps struct {
	Sources      []ingest.Source
	Manager      *concurrency.Manager
	Standardizer *standardize.Standardizer
	Hasher       *phash.Hasher
	Dedup        *dedup.Index
	Store        *contentstore.Store
	State        *state.Tracker
	Runs         *state.RunRecorder
	Progress     progress.Emitter
	Clock        ingest.Clock
	IDs          ingest.IDGenerator
}

// Orchestrator runs extractions. One run at a time is expected, but the
// read-side methods are safe to call concurrently with a run.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu      sync.RWMutex
	lastRun *ExtractionResult
}

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Manager == nil:
		return nil, errors.New("orchestrator: concurrency manager is required")
	case deps.Standardizer == nil:
		return nil, errors.New("orchestrator: standardizer is required")
	case deps.Dedup == nil:
		return nil, errors.New("orchestrator: dedup index is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: content store is required")
	case deps.State == nil:
		return nil, errors.New("orchestrator: state tracker is required")
	}
	seen := make(map[string]struct{}, len(deps.Sources))
	for _, src := range deps.Sources {
		if _, dup := seen[src.Name()]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate source name %q", src.Name())
		}
		seen[src.Name()] = struct{}{}
	}
	if deps.Hasher == nil {
		deps.Hasher = phash.New()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	deps.State.RegisterCheckpointer(deps.Dedup)
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("orchestrator")}, nil
}

// ExtractAll processes properties. With resume set, properties already
// complete are skipped; otherwise they are reopened and re-listed, and known
// URLs are still not downloaded again.
//
// Cancelling ctx stops new work, still writes the final checkpoint and
// returns the partial result. Only a failed final checkpoint is returned as
// an error.
func (o *Orchestrator) ExtractAll(ctx context.Context, properties []ingest.Property, resume bool) (ExtractionResult, error) {
	start := o.deps.Clock.Now()
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return ExtractionResult{}, fmt.Errorf("generate run id: %w", err)
	}
	mode := ModeFull
	if resume {
		mode = ModeResume
	}
	properties = uniqueProperties(properties)
	t := newTally(runID, mode, len(properties))
	for _, src := range o.deps.Sources {
		t.source(src.Name(), func(*SourceStats) {})
	}

	var run *state.Run
	if o.deps.Runs != nil {
		run = o.deps.Runs.StartRun(runID, mode)
	}
	logger := o.logger.With(zap.String("run_id", runID))
	logger.Info("extraction started",
		zap.String("mode", mode),
		zap.Int("properties", len(properties)),
		zap.Int("sources", len(o.deps.Sources)),
		zap.Int("max_concurrent", o.deps.Manager.MaxConcurrent()),
	)
	o.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart})

	workers := o.cfg.PropertyWorkers
	if workers <= 0 {
		workers = o.deps.Manager.MaxConcurrent()
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, prop := range properties {
		if ctx.Err() != nil {
			t.update(func(r *ExtractionResult) { r.Canceled++ })
			continue
		}
		g.Go(func() error {
			change := o.processProperty(ctx, runID, prop, resume, t, logger)
			if run != nil && change != nil {
				if err := run.RecordProperty(*change); err != nil {
					logger.Warn("record property change", zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	checkpointErr := o.deps.State.ForceCheckpoint()

	t.update(func(r *ExtractionResult) {
		r.Interrupted = ctx.Err() != nil
		r.TopErrors = o.deps.Manager.TopErrors(o.cfg.TopErrors)
		r.PeakInFlight = o.deps.Manager.PeakInFlight()
		r.Duration = o.deps.Clock.Now().Sub(start)
	})
	result := t.snapshot()

	if run != nil {
		if err := run.SetCounters(result.Counters()); err != nil {
			logger.Warn("set run counters", zap.Error(err))
		}
		if _, err := run.Finalize(context.WithoutCancel(ctx)); err != nil {
			logger.Error("finalize run log", zap.Error(err))
		}
	}
	o.emit(progress.Event{RunID: runID, Stage: progress.StageRunDone, Images: result.ImagesUnique, Dur: result.Duration})

	o.mu.Lock()
	last := result
	o.lastRun = &last
	o.mu.Unlock()

	logger.Info("extraction finished",
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("canceled", result.Canceled),
		zap.Int("images_found", result.ImagesFound),
		zap.Int("images_unique", result.ImagesUnique),
		zap.Int("images_duplicate", result.ImagesDuplicate),
		zap.Bool("interrupted", result.Interrupted),
		zap.Duration("duration", result.Duration),
	)
	if checkpointErr != nil {
		return result, fmt.Errorf("final checkpoint: %w", checkpointErr)
	}
	return result, nil
}

func uniqueProperties(in []ingest.Property) []ingest.Property {
	seen := make(map[ingest.PropertyKey]struct{}, len(in))
	out := make([]ingest.Property, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p.Key]; ok {
			continue
		}
		seen[p.Key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// sourceOutcome is what one source contributed to a property.
type sourceOutcome struct {
	name    string
	listed  bool
	skipped bool
	err     error
	urls    []string
	counts  urlCounts
}

type urlCounts struct {
	found, unique, duplicate, known, invalid, failed int
}

func (c *urlCounts) add(o urlCounts) {
	c.found += o.found
	c.unique += o.unique
	c.duplicate += o.duplicate
	c.known += o.known
	c.invalid += o.invalid
	c.failed += o.failed
}

func (o *Orchestrator) processProperty(
	ctx context.Context,
	runID string,
	prop ingest.Property,
	resume bool,
	t *tally,
	logger *zap.Logger,
) *state.PropertyChange {
	key := prop.Key
	logger = logger.With(zap.String("property_key", string(key)))

	if o.deps.State.IsComplete(key) {
		if resume {
			t.update(func(r *ExtractionResult) { r.Skipped++ })
			return nil
		}
		o.deps.State.ResetProperty(key)
	}
	if ctx.Err() != nil {
		t.update(func(r *ExtractionResult) { r.Canceled++ })
		return nil
	}
	if err := o.deps.State.MarkInProgress(key); err != nil {
		if errors.Is(err, ingest.ErrAlreadyComplete) {
			t.update(func(r *ExtractionResult) { r.Skipped++ })
			return nil
		}
		logger.Error("mark in progress", zap.Error(err))
		return nil
	}
	started := o.deps.Clock.Now()
	o.emit(progress.Event{RunID: runID, Stage: progress.StagePropertyStart, PropertyKey: key})

	outcomes := make([]sourceOutcome, len(o.deps.Sources))
	var wg sync.WaitGroup
	for i, src := range o.deps.Sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.processSource(ctx, runID, prop, src, t, logger)
		}()
	}
	wg.Wait()

	var total urlCounts
	var listed int
	var reasons []string
	for _, out := range outcomes {
		total.add(out.counts)
		if out.listed {
			listed++
			continue
		}
		switch {
		case out.skipped:
			reasons = append(reasons, fmt.Sprintf("%s: circuit open", out.name))
		case out.err != nil:
			reasons = append(reasons, fmt.Sprintf("%s: %v", out.name, out.err))
		}
	}

	change := &state.PropertyChange{
		PropertyKey: key,
		ImagesAdded: total.unique,
		Duplicates:  total.duplicate,
		Known:       total.known,
		Invalid:     total.invalid,
	}
	t.update(func(r *ExtractionResult) {
		r.ImagesFound += total.found
		r.ImagesUnique += total.unique
		r.ImagesDuplicate += total.duplicate
		r.ImagesKnown += total.known
		r.ImagesInvalid += total.invalid
		r.DownloadFailures += total.failed
	})

	if ctx.Err() != nil {
		// Listings may be partial; leave the property in progress so it
		// reloads as pending and reconcile nothing.
		t.update(func(r *ExtractionResult) { r.Canceled++ })
		change.Status = ingest.PropertyInProgress
		change.Error = "canceled"
		return change
	}

	if listed > 0 {
		removed := o.reconcile(key, outcomes)
		change.URLsRemoved = len(removed)
		t.update(func(r *ExtractionResult) { r.URLsRemoved += len(removed) })
	}

	ok := listed > 0
	if o.cfg.StrictMode {
		ok = listed == len(o.deps.Sources)
	}
	if len(o.deps.Sources) == 0 {
		ok = false
		reasons = append(reasons, "no sources configured")
	}
	dur := o.deps.Clock.Now().Sub(started)
	if ok {
		o.deps.State.MarkCompleted(key)
		change.Status = ingest.PropertyComplete
		t.update(func(r *ExtractionResult) { r.Completed++ })
		metrics.ObserveProperty(string(ingest.PropertyComplete))
		o.emit(progress.Event{RunID: runID, Stage: progress.StagePropertyDone, PropertyKey: key, Images: total.unique, Dur: dur})
		logger.Info("property complete",
			zap.Int("images_added", total.unique),
			zap.Int("duplicates", total.duplicate),
			zap.Int("known", total.known),
			zap.Int("urls_removed", change.URLsRemoved),
		)
	} else {
		reason := strings.Join(reasons, "; ")
		if reason == "" {
			reason = "no source succeeded"
		}
		o.deps.State.MarkFailed(key, reason)
		change.Status = ingest.PropertyFailed
		change.Error = reason
		t.update(func(r *ExtractionResult) { r.Failed++ })
		metrics.ObserveProperty(string(ingest.PropertyFailed))
		o.emit(progress.Event{RunID: runID, Stage: progress.StagePropertyFailed, PropertyKey: key, Dur: dur, Note: reason})
		logger.Warn("property failed", zap.String("reason", reason))
	}

	if err := o.deps.State.CheckpointIfNeeded(); err != nil {
		logger.Error("periodic checkpoint failed", zap.Error(err))
	}
	return change
}

// reconcile marks URLs that disappeared from complete listings as removed.
// Sources that did not list are represented by their active URLs so an outage
// never looks like deleted photos.
func (o *Orchestrator) reconcile(key ingest.PropertyKey, outcomes []sourceOutcome) []string {
	current := make(map[string]struct{})
	for _, out := range outcomes {
		urls := out.urls
		if !out.listed {
			urls = o.deps.State.ActiveURLs(key, out.name)
		}
		for _, u := range urls {
			current[u] = struct{}{}
		}
	}
	removed := o.deps.State.DetectRemoved(key, current)
	if n := o.deps.State.ReconcileManifest(key); n > 0 {
		o.logger.Debug("manifest reconciled", zap.String("property_key", string(key)), zap.Int("changed", n))
	}
	if len(removed) > 0 {
		o.logger.Info("urls removed from listing",
			zap.String("property_key", string(key)),
			zap.Strings("urls", removed),
		)
	}
	return removed
}

func (o *Orchestrator) processSource(
	ctx context.Context,
	runID string,
	prop ingest.Property,
	src ingest.Source,
	t *tally,
	logger *zap.Logger,
) sourceOutcome {
	name := src.Name()
	out := sourceOutcome{name: name}
	logger = logger.With(zap.String("source", name))

	if err := o.deps.Manager.AdmitSource(name); err != nil {
		out.skipped = true
		t.source(name, func(s *SourceStats) { s.Skipped++ })
		metrics.ObserveSourceCall(name, "skipped")
		o.emit(progress.Event{RunID: runID, Stage: progress.StageSourceSkipped, PropertyKey: prop.Key, Source: name})
		logger.Debug("source skipped, circuit open")
		return out
	}

	candidates, err := o.listImages(ctx, src, prop)
	if err != nil {
		if ctx.Err() != nil {
			o.deps.Manager.ReleaseSource(name)
			out.err = ctx.Err()
			return out
		}
		out.err = err
		// RecordFailure also ends a half-open probe.
		opened := o.deps.Manager.RecordFailure(name)
		t.source(name, func(s *SourceStats) { s.Calls++; s.Failures++ })
		metrics.ObserveSourceCall(name, "failure")
		o.logFailure(logger, "listing failed", err, zap.Bool("circuit_open", opened))
		return out
	}
	o.deps.Manager.RecordSuccess(name)
	out.listed = true
	t.source(name, func(s *SourceStats) { s.Calls++; s.Successes++ })
	metrics.ObserveSourceCall(name, "success")

	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if c.URL == "" {
			continue
		}
		if _, dup := seen[c.URL]; dup {
			continue
		}
		seen[c.URL] = struct{}{}
		out.urls = append(out.urls, c.URL)
	}
	sort.Strings(out.urls)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, u := range out.urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := o.processURL(ctx, runID, prop.Key, src, u, logger)
			mu.Lock()
			out.counts.add(c)
			mu.Unlock()
		}()
	}
	wg.Wait()

	t.source(name, func(s *SourceStats) {
		s.ImagesFound += out.counts.found
		s.ImagesUnique += out.counts.unique
		s.ImagesDuplicate += out.counts.duplicate
		s.DownloadFailures += out.counts.failed
	})
	o.emit(progress.Event{RunID: runID, Stage: progress.StageSourceDone, PropertyKey: prop.Key, Source: name, Images: out.counts.unique})
	return out
}

// listImages holds one slot for the listing call and its retries.
func (o *Orchestrator) listImages(ctx context.Context, src ingest.Source, prop ingest.Property) ([]ingest.ImageCandidate, error) {
	release, err := o.deps.Manager.AcquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	candidates, attempts, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) ([]ingest.ImageCandidate, error) {
		if err := o.deps.Manager.Wait(ctx, src.Name()); err != nil {
			return nil, err
		}
		callCtx, cancel := withTimeout(ctx, o.cfg.ListTimeout)
		defer cancel()
		return src.ListImages(callCtx, prop)
	})
	if err != nil {
		return nil, fmt.Errorf("list %s after %d attempt(s): %w", src.Name(), attempts, err)
	}
	return candidates, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// logFailure logs at Warn until the error pattern repeats enough to be
// suppressed, then at Debug.
func (o *Orchestrator) logFailure(logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if o.deps.Manager.RecordError(err.Error()) {
		logger.Debug(msg, fields...)
		return
	}
	logger.Warn(msg, fields...)
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.deps.Clock.Now()
	}
	o.deps.Progress.Emit(evt)
}
