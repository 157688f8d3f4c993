package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/atomicfile"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

// HistoryDir is the run history directory under the state directory.
const HistoryDir = "history"

const historyTimeLayout = "20060102T150405.000Z"

// PropertyChange summarizes what one run did to one property.
type PropertyChange struct {
	PropertyKey ingest.PropertyKey    `json:"property_key"`
	Status      ingest.PropertyStatus `json:"status"`
	ImagesAdded int                   `json:"images_added"`
	Duplicates  int                   `json:"duplicates"`
	Known       int                   `json:"known"`
	Invalid     int                   `json:"invalid"`
	URLsRemoved int                   `json:"urls_removed"`
	Error       string                `json:"error,omitempty"`
}

// Counters are the aggregate totals of a run.
type Counters struct {
	PropertiesTotal  int `json:"properties_total"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
	Canceled         int `json:"canceled"`
	ImagesFound      int `json:"images_found"`
	ImagesUnique     int `json:"images_unique"`
	ImagesDuplicate  int `json:"images_duplicate"`
	ImagesKnown      int `json:"images_known"`
	ImagesInvalid    int `json:"images_invalid"`
	DownloadFailures int `json:"download_failures"`
	URLsRemoved      int `json:"urls_removed"`
}

// RunLog is the immutable record of one extraction run.
type RunLog struct {
	Version    int              `json:"version"`
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Mode       string           `json:"mode"`
	Properties []PropertyChange `json:"properties"`
	Counters   Counters         `json:"counters"`
}

// RunSink receives finalized runs, e.g. a database mirror.
type RunSink interface {
	SaveRun(ctx context.Context, run RunLog) error
}

// RunRecorder writes run history files and prunes old ones.
type RunRecorder struct {
	dir    string
	keep   int
	now    func() time.Time
	sink   RunSink
	logger *zap.Logger
}

// NewRunRecorder records runs under <stateDir>/history, keeping the newest
// keep files. The sink is optional.
func NewRunRecorder(stateDir string, keep int, now func() time.Time, sink RunSink, logger *zap.Logger) *RunRecorder {
	if keep <= 0 {
		keep = 20
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunRecorder{dir: filepath.Join(stateDir, HistoryDir), keep: keep, now: now, sink: sink, logger: logger}
}

// Run accumulates one run until it is finalized.
type Run struct {
	recorder *RunRecorder

	mu        sync.Mutex
	log       RunLog
	finalized bool
}

// StartRun opens a new run.
func (r *RunRecorder) StartRun(runID, mode string) *Run {
	return &Run{
		recorder: r,
		log: RunLog{
			Version:   fileVersion,
			RunID:     runID,
			StartedAt: r.now(),
			Mode:      mode,
		},
	}
}

// ID returns the run id.
func (run *Run) ID() string { return run.log.RunID }

// RecordProperty appends a property summary.
func (run *Run) RecordProperty(change PropertyChange) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.finalized {
		return ingest.ErrRunFinalized
	}
	run.log.Properties = append(run.log.Properties, change)
	return nil
}

// SetCounters replaces the aggregate totals.
func (run *Run) SetCounters(c Counters) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.finalized {
		return ingest.ErrRunFinalized
	}
	run.log.Counters = c
	return nil
}

// Finalize stamps the end time, writes the history file, prunes old runs and
// forwards the log to the sink. A finalized run rejects further changes.
func (run *Run) Finalize(ctx context.Context) (RunLog, error) {
	run.mu.Lock()
	if run.finalized {
		run.mu.Unlock()
		return RunLog{}, ingest.ErrRunFinalized
	}
	run.finalized = true
	run.log.EndedAt = run.recorder.now()
	sort.SliceStable(run.log.Properties, func(i, j int) bool {
		return run.log.Properties[i].PropertyKey < run.log.Properties[j].PropertyKey
	})
	log := run.log
	log.Properties = append([]PropertyChange(nil), run.log.Properties...)
	run.mu.Unlock()

	r := run.recorder
	path := filepath.Join(r.dir, fmt.Sprintf("%s_%s.json", log.StartedAt.UTC().Format(historyTimeLayout), log.RunID))
	if err := atomicfile.WriteJSON(path, log); err != nil {
		return log, &ingest.PersistenceError{Path: path, Cause: err}
	}
	if err := r.prune(); err != nil {
		r.logger.Warn("prune run history failed", zap.Error(err))
	}
	if r.sink != nil {
		if err := r.sink.SaveRun(ctx, log); err != nil {
			r.logger.Warn("run sink failed", zap.String("run_id", log.RunID), zap.Error(err))
		}
	}
	return log, nil
}

func (r *RunRecorder) historyFiles() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (r *RunRecorder) prune() error {
	names, err := r.historyFiles()
	if err != nil {
		return err
	}
	for len(names) > r.keep {
		if err := os.Remove(filepath.Join(r.dir, names[0])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", names[0], err)
		}
		names = names[1:]
	}
	return nil
}

// RecentRuns returns up to n runs, newest first.
func (r *RunRecorder) RecentRuns(n int) ([]RunLog, error) {
	names, err := r.historyFiles()
	if err != nil {
		return nil, err
	}
	out := make([]RunLog, 0, n)
	for i := len(names) - 1; i >= 0 && len(out) < n; i-- {
		var log RunLog
		if _, err := atomicfile.ReadJSON(filepath.Join(r.dir, names[i]), &log); err != nil {
			r.logger.Warn("skip unreadable run log", zap.String("file", names[i]), zap.Error(err))
			continue
		}
		out = append(out, log)
	}
	return out, nil
}
