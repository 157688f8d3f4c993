package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-photo-ingest/internal/concurrency"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
)

// SourceStats counts one source's activity over a run.
type SourceStats struct {
	Calls            int `json:"calls"`
	Successes        int `json:"successes"`
	Failures         int `json:"failures"`
	Skipped          int `json:"skipped"`
	ImagesFound      int `json:"images_found"`
	ImagesUnique     int `json:"images_unique"`
	ImagesDuplicate  int `json:"images_duplicate"`
	DownloadFailures int `json:"download_failures"`
}

// ExtractionResult summarizes one ExtractAll call.
type ExtractionResult struct {
	RunID            string                   `json:"run_id"`
	Mode             string                   `json:"mode"`
	Total            int                      `json:"total"`
	Completed        int                      `json:"completed"`
	Failed           int                      `json:"failed"`
	Skipped          int                      `json:"skipped"`
	Canceled         int                      `json:"canceled"`
	ImagesFound      int                      `json:"images_found"`
	ImagesUnique     int                      `json:"images_unique"`
	ImagesDuplicate  int                      `json:"images_duplicate"`
	ImagesKnown      int                      `json:"images_known"`
	ImagesInvalid    int                      `json:"images_invalid"`
	DownloadFailures int                      `json:"download_failures"`
	URLsRemoved      int                      `json:"urls_removed"`
	PerSource        map[string]SourceStats   `json:"per_source"`
	TopErrors        []concurrency.ErrorCount `json:"top_errors"`
	PeakInFlight     int64                    `json:"peak_in_flight"`
	Interrupted      bool                     `json:"interrupted"`
	Duration         time.Duration            `json:"duration"`
}

// Counters projects the result onto the run log totals.
func (r ExtractionResult) Counters() state.Counters {
	return state.Counters{
		PropertiesTotal:  r.Total,
		Completed:        r.Completed,
		Failed:           r.Failed,
		Skipped:          r.Skipped,
		Canceled:         r.Canceled,
		ImagesFound:      r.ImagesFound,
		ImagesUnique:     r.ImagesUnique,
		ImagesDuplicate:  r.ImagesDuplicate,
		ImagesKnown:      r.ImagesKnown,
		ImagesInvalid:    r.ImagesInvalid,
		DownloadFailures: r.DownloadFailures,
		URLsRemoved:      r.URLsRemoved,
	}
}

// SourceNames returns the per-source keys in order.
func (r ExtractionResult) SourceNames() []string {
	names := make([]string, 0, len(r.PerSource))
	for name := range r.PerSource {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// tally accumulates counts from concurrent property tasks.
type tally struct {
	mu  sync.Mutex
	res ExtractionResult
}

func newTally(runID, mode string, total int) *tally {
	return &tally{res: ExtractionResult{
		RunID:     runID,
		Mode:      mode,
		Total:     total,
		PerSource: make(map[string]SourceStats),
	}}
}

func (t *tally) update(fn func(r *ExtractionResult)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.res)
}

func (t *tally) source(name string, fn func(s *SourceStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.res.PerSource[name]
	fn(&s)
	t.res.PerSource[name] = s
}

func (t *tally) snapshot() ExtractionResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.res
	out.PerSource = make(map[string]SourceStats, len(t.res.PerSource))
	for k, v := range t.res.PerSource {
		out.PerSource[k] = v
	}
	return out
}
