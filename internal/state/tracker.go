// Package state owns the durable extraction state: property completion, the
// image manifest and the URL tracker. Mutations are in-memory and counted;
// checkpoints flush everything with atomic file replacement.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/atomicfile"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/metrics"
	"github.com/JakeFAU/listing-photo-ingest/internal/urltracker"
)

// File names under the state directory.
const (
	CompletionFile = "completion.json"
	ManifestFile   = "manifest.json"
	URLTrackerFile = "url_tracker.json"

	fileVersion = 1
)

// Config controls where state lives and how often it is flushed.
type Config struct {
	Dir string `mapstructure:"dir"`
	// CheckpointInterval is the number of property transitions between
	// periodic flushes.
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	HistoryKeep        int           `mapstructure:"history_keep"`
}

// Checkpointer is flushed together with the tracker, e.g. the dedup index.
type Checkpointer interface {
	Checkpoint() error
}

type propertyRecord struct {
	Status      ingest.PropertyStatus `json:"status"`
	RetryCount  int                   `json:"retry_count"`
	LastError   string                `json:"last_error,omitempty"`
	LastChecked time.Time             `json:"-"`
}

type completionFile struct {
	Version     int                                   `json:"version"`
	UpdatedAt   time.Time                             `json:"updated_at"`
	Completed   []ingest.PropertyKey                  `json:"completed"`
	Failed      []ingest.PropertyKey                  `json:"failed"`
	LastChecked map[ingest.PropertyKey]time.Time      `json:"last_checked"`
	Properties  map[ingest.PropertyKey]propertyRecord `json:"properties"`
}

type manifestFile struct {
	Version    int                                           `json:"version"`
	UpdatedAt  time.Time                                     `json:"updated_at"`
	Properties map[ingest.PropertyKey][]ingest.ImageMetadata `json:"properties"`
}

// Tracker is safe for concurrent use by many property tasks.
type Tracker struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	urls   *urltracker.Tracker

	mu         sync.Mutex
	properties map[ingest.PropertyKey]*propertyRecord
	manifest   map[ingest.PropertyKey][]ingest.ImageMetadata
	ops        int
	dirty      bool
	extras     []Checkpointer

	flushMu sync.Mutex
}

// Open loads the state directory, creating it when missing. Leftover temp
// files from interrupted checkpoints are removed.
func Open(cfg Config, now func() time.Time, logger *zap.Logger) (*Tracker, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 10
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", cfg.Dir, err)
	}
	if n, err := atomicfile.CleanTemp(cfg.Dir); err == nil && n > 0 {
		logger.Warn("removed interrupted checkpoint files", zap.Int("count", n))
	}
	t := &Tracker{
		cfg:        cfg,
		now:        now,
		logger:     logger,
		urls:       urltracker.New(cfg.StaleAfter, now),
		properties: make(map[ingest.PropertyKey]*propertyRecord),
		manifest:   make(map[ingest.PropertyKey][]ingest.ImageMetadata),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) path(name string) string {
	return filepath.Join(t.cfg.Dir, name)
}

func (t *Tracker) load() error {
	var comp completionFile
	if _, err := atomicfile.ReadJSON(t.path(CompletionFile), &comp); err != nil {
		return &ingest.PersistenceError{Path: t.path(CompletionFile), Cause: err}
	}
	for key, rec := range comp.Properties {
		r := rec
		r.LastChecked = comp.LastChecked[key]
		if r.Status == ingest.PropertyInProgress {
			r.Status = ingest.PropertyPending
		}
		t.properties[key] = &r
	}
	for _, key := range comp.Completed {
		t.record(key).Status = ingest.PropertyComplete
	}
	for _, key := range comp.Failed {
		t.record(key).Status = ingest.PropertyFailed
	}
	for key, ts := range comp.LastChecked {
		t.record(key).LastChecked = ts
	}

	var man manifestFile
	if _, err := atomicfile.ReadJSON(t.path(ManifestFile), &man); err != nil {
		return &ingest.PersistenceError{Path: t.path(ManifestFile), Cause: err}
	}
	for key, entries := range man.Properties {
		t.manifest[key] = entries
	}

	var urls urltracker.File
	if _, err := atomicfile.ReadJSON(t.path(URLTrackerFile), &urls); err != nil {
		return &ingest.PersistenceError{Path: t.path(URLTrackerFile), Cause: err}
	}
	t.urls.Restore(urls)

	t.logger.Info("state loaded",
		zap.String("dir", t.cfg.Dir),
		zap.Int("properties", len(t.properties)),
		zap.Int("manifest_properties", len(t.manifest)),
		zap.Int("urls", len(urls.URLs)),
	)
	return nil
}

// record must be called with mu held.
func (t *Tracker) record(key ingest.PropertyKey) *propertyRecord {
	r, ok := t.properties[key]
	if !ok {
		r = &propertyRecord{Status: ingest.PropertyPending}
		t.properties[key] = r
	}
	return r
}

// RegisterCheckpointer adds c to every checkpoint.
func (t *Tracker) RegisterCheckpointer(c Checkpointer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extras = append(t.extras, c)
}

// Property returns the state of key. Unknown keys are pending.
func (t *Tracker) Property(key ingest.PropertyKey) ingest.PropertyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := ingest.PropertyState{PropertyKey: key, Status: ingest.PropertyPending}
	if r, ok := t.properties[key]; ok {
		st.Status = r.Status
		st.RetryCount = r.RetryCount
		st.LastError = r.LastError
		st.LastChecked = r.LastChecked
	}
	st.ManifestEntries = append([]ingest.ImageMetadata(nil), t.manifest[key]...)
	return st
}

// IsComplete reports whether key finished successfully.
func (t *Tracker) IsComplete(key ingest.PropertyKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.properties[key]
	return ok && r.Status == ingest.PropertyComplete
}

// MarkInProgress starts work on key. Complete properties must be reset first.
func (t *Tracker) MarkInProgress(key ingest.PropertyKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(key)
	if r.Status == ingest.PropertyComplete {
		return fmt.Errorf("%s: %w", key, ingest.ErrAlreadyComplete)
	}
	r.Status = ingest.PropertyInProgress
	t.dirty = true
	return nil
}

// MarkCompleted records a successful extraction.
func (t *Tracker) MarkCompleted(key ingest.PropertyKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(key)
	r.Status = ingest.PropertyComplete
	r.LastError = ""
	r.LastChecked = t.now()
	t.ops++
	t.dirty = true
}

// MarkFailed records a failed extraction and bumps its retry count.
func (t *Tracker) MarkFailed(key ingest.PropertyKey, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(key)
	r.Status = ingest.PropertyFailed
	r.RetryCount++
	r.LastError = reason
	r.LastChecked = t.now()
	t.ops++
	t.dirty = true
}

// ResetProperty reopens key so it is extracted again. Manifest and URL history
// are kept.
func (t *Tracker) ResetProperty(key ingest.PropertyKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(key)
	r.Status = ingest.PropertyPending
	t.ops++
	t.dirty = true
}

// AppendManifest adds meta to its property's manifest unless an entry with the
// same content hash is already there. It reports whether meta was added.
func (t *Tracker) AppendManifest(meta ingest.ImageMetadata) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.manifest[meta.PropertyKey] {
		if e.ContentHash == meta.ContentHash || e.ImageID == meta.ImageID {
			return false
		}
	}
	if meta.Status == "" {
		meta.Status = ingest.ImageStatusActive
	}
	t.manifest[meta.PropertyKey] = append(t.manifest[meta.PropertyKey], meta)
	t.dirty = true
	return true
}

// FindByContentHash returns the manifest entry of key with the given hash.
func (t *Tracker) FindByContentHash(key ingest.PropertyKey, hash string) (ingest.ImageMetadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.manifest[key] {
		if e.ContentHash == hash {
			return e, true
		}
	}
	return ingest.ImageMetadata{}, false
}

// Images returns a copy of key's manifest.
func (t *Tracker) Images(key ingest.PropertyKey) []ingest.ImageMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ingest.ImageMetadata(nil), t.manifest[key]...)
}

// ReconcileManifest flags manifest entries of key that no active URL refers to
// as removed, and reactivates entries that are referenced again. It returns
// the number of entries whose status changed.
func (t *Tracker) ReconcileManifest(key ingest.PropertyKey) int {
	referenced := make(map[string]struct{})
	for _, e := range t.urls.Entries(key) {
		if e.Status == ingest.URLStatusActive && e.ImageID != "" {
			referenced[e.ImageID] = struct{}{}
		}
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := 0
	entries := t.manifest[key]
	for i := range entries {
		_, live := referenced[entries[i].ImageID]
		want := ingest.ImageStatusRemoved
		if live {
			want = ingest.ImageStatusActive
		}
		if entries[i].Status != want {
			entries[i].Status = want
			entries[i].UpdatedAt = now
			changed++
		}
	}
	if changed > 0 {
		t.dirty = true
	}
	return changed
}

// CheckURL classifies url for key against the tracker.
func (t *Tracker) CheckURL(key ingest.PropertyKey, url, contentHash string) ingest.URLCheck {
	return t.urls.CheckURL(key, url, contentHash)
}

// URLEntry returns the tracker entry for url under key.
func (t *Tracker) URLEntry(key ingest.PropertyKey, url string) (ingest.URLEntry, bool) {
	return t.urls.Get(key, url)
}

// RegisterURL upserts url in the tracker.
func (t *Tracker) RegisterURL(url, imageID string, key ingest.PropertyKey, contentHash, source string) {
	t.urls.RegisterURL(url, imageID, key, contentHash, source)
	t.markDirty()
}

// TouchURL refreshes last_seen for a known url of key.
func (t *Tracker) TouchURL(key ingest.PropertyKey, url string) {
	if t.urls.Touch(key, url) {
		t.markDirty()
	}
}

// DetectRemoved marks URLs of key absent from current as removed.
func (t *Tracker) DetectRemoved(key ingest.PropertyKey, current map[string]struct{}) []string {
	removed := t.urls.DetectRemoved(key, current)
	if len(removed) > 0 {
		t.markDirty()
	}
	return removed
}

// ActiveURLs lists the active URLs of key for source.
func (t *Tracker) ActiveURLs(key ingest.PropertyKey, source string) []string {
	return t.urls.ActiveURLs(key, source)
}

// URLs exposes the underlying tracker for read access.
func (t *Tracker) URLs() *urltracker.Tracker {
	return t.urls
}

func (t *Tracker) markDirty() {
	t.mu.Lock()
	t.dirty = true
	t.mu.Unlock()
}

// Summary aggregates the tracked state.
type Summary struct {
	Properties    map[ingest.PropertyStatus]int `json:"properties"`
	ImagesActive  int                           `json:"images_active"`
	ImagesRemoved int                           `json:"images_removed"`
	URLsActive    int                           `json:"urls_active"`
	URLsRemoved   int                           `json:"urls_removed"`
}

// Summary returns counts over all properties.
func (t *Tracker) Summary() Summary {
	s := Summary{Properties: make(map[ingest.PropertyStatus]int)}
	s.URLsActive, s.URLsRemoved = t.urls.Counts()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.properties {
		s.Properties[r.Status]++
	}
	for _, entries := range t.manifest {
		for _, e := range entries {
			if e.Status == ingest.ImageStatusRemoved {
				s.ImagesRemoved++
			} else {
				s.ImagesActive++
			}
		}
	}
	return s
}

// CheckpointIfNeeded flushes once enough transitions accumulated.
func (t *Tracker) CheckpointIfNeeded() error {
	t.mu.Lock()
	due := t.ops >= t.cfg.CheckpointInterval
	t.mu.Unlock()
	if !due {
		return nil
	}
	return t.ForceCheckpoint()
}

// ForceCheckpoint flushes all state now. Serialization happens under the state
// lock; file writes happen outside it. On failure the pending changes stay
// marked so the next checkpoint retries them.
func (t *Tracker) ForceCheckpoint() error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	start := time.Now()
	files, extras, err := t.serialize()
	if err != nil {
		return err
	}
	err = t.write(files, extras)
	metrics.ObserveCheckpoint(time.Since(start), err)
	if err != nil {
		t.mu.Lock()
		t.dirty = true
		if t.ops < t.cfg.CheckpointInterval {
			t.ops = t.cfg.CheckpointInterval
		}
		t.mu.Unlock()
		t.logger.Error("checkpoint failed", zap.Error(err))
		return err
	}
	t.logger.Debug("checkpoint written", zap.Duration("duration", time.Since(start)))
	return nil
}

type pendingFile struct {
	path    string
	payload []byte
}

func (t *Tracker) serialize() ([]pendingFile, []Checkpointer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	comp := completionFile{
		Version:     fileVersion,
		UpdatedAt:   now,
		Completed:   []ingest.PropertyKey{},
		Failed:      []ingest.PropertyKey{},
		LastChecked: make(map[ingest.PropertyKey]time.Time),
		Properties:  make(map[ingest.PropertyKey]propertyRecord, len(t.properties)),
	}
	for key, r := range t.properties {
		comp.Properties[key] = *r
		switch r.Status {
		case ingest.PropertyComplete:
			comp.Completed = append(comp.Completed, key)
		case ingest.PropertyFailed:
			comp.Failed = append(comp.Failed, key)
		}
		if !r.LastChecked.IsZero() {
			comp.LastChecked[key] = r.LastChecked
		}
	}
	sort.Slice(comp.Completed, func(i, j int) bool { return comp.Completed[i] < comp.Completed[j] })
	sort.Slice(comp.Failed, func(i, j int) bool { return comp.Failed[i] < comp.Failed[j] })

	man := manifestFile{Version: fileVersion, UpdatedAt: now, Properties: t.manifest}

	out := make([]pendingFile, 0, 3)
	for _, f := range []struct {
		name string
		v    any
	}{
		{CompletionFile, comp},
		{ManifestFile, man},
		{URLTrackerFile, t.urls.Snapshot()},
	} {
		payload, err := json.MarshalIndent(f.v, "", "  ")
		if err != nil {
			return nil, nil, &ingest.PersistenceError{Path: t.path(f.name), Cause: err}
		}
		out = append(out, pendingFile{path: t.path(f.name), payload: payload})
	}
	t.ops = 0
	t.dirty = false
	return out, append([]Checkpointer(nil), t.extras...), nil
}

func (t *Tracker) write(files []pendingFile, extras []Checkpointer) error {
	for _, f := range files {
		if err := atomicfile.WriteFile(f.path, f.payload, 0o600); err != nil {
			return &ingest.PersistenceError{Path: f.path, Cause: err}
		}
	}
	for _, c := range extras {
		if err := c.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Dirty reports whether there are unflushed changes.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}
