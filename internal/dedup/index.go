// Package dedup maintains the persisted near-duplicate index. Hashes are split
// into equal-width bands; two images are compared only if they share at least
// one band value, and a match needs both the coarse and the fine distance to be
// within their thresholds.
package dedup

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/atomicfile"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/phash"
)

const indexVersion = 1

// DefaultFile is the index file name used inside the state directory.
const DefaultFile = "dedup_index.json"

// Config tunes matching and persistence.
type Config struct {
	// Path of the JSON index. Empty keeps the index in memory only.
	Path            string `mapstructure:"path"`
	Bands           int    `mapstructure:"bands"`
	CoarseThreshold int    `mapstructure:"coarse_threshold"`
	FineThreshold   int    `mapstructure:"fine_threshold"`
	// PerProperty limits Admit matches to images of the same property.
	PerProperty bool `mapstructure:"per_property"`
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Bands:           8,
		CoarseThreshold: 6,
		FineThreshold:   10,
		PerProperty:     true,
	}
}

// Validate checks that the banding is well formed.
func (c Config) Validate() error {
	if c.Bands <= 0 || 64%c.Bands != 0 {
		return fmt.Errorf("dedup bands must divide 64, got %d", c.Bands)
	}
	if c.CoarseThreshold < 0 || c.FineThreshold < 0 {
		return fmt.Errorf("dedup thresholds must be non-negative")
	}
	return nil
}

// Entry is the flat index record for one registered image.
type Entry struct {
	CoarseHash  ingest.PerceptualHash `json:"coarse_hash"`
	FineHash    ingest.PerceptualHash `json:"fine_hash"`
	PropertyKey ingest.PropertyKey    `json:"property_key"`
	Source      string                `json:"source"`
}

type indexFile struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Entries   map[string]Entry `json:"entries"`
}

// Index is safe for concurrent use.
type Index struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	// buckets[band][bandValue] holds image ids sorted ascending.
	buckets []map[uint64][]string
	dirty   bool

	flushMu sync.Mutex
}

// New returns an empty index.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bands <= cfg.CoarseThreshold {
		logger.Warn("dedup bands do not exceed coarse threshold; some near duplicates may share no band",
			zap.Int("bands", cfg.Bands), zap.Int("coarse_threshold", cfg.CoarseThreshold))
	}
	idx := &Index{
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]Entry),
	}
	idx.buckets = newBuckets(cfg.Bands)
	return idx, nil
}

// Open returns an index loaded from cfg.Path when the file exists.
func Open(cfg Config, logger *zap.Logger) (*Index, error) {
	idx, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return idx, nil
	}
	if err := idx.Load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func newBuckets(bands int) []map[uint64][]string {
	b := make([]map[uint64][]string, bands)
	for i := range b {
		b[i] = make(map[uint64][]string)
	}
	return b
}

func (i *Index) band(h ingest.PerceptualHash, n int) uint64 {
	width := 64 / i.cfg.Bands
	mask := uint64(1)<<uint(width) - 1
	if width == 64 {
		mask = ^uint64(0)
	}
	return (uint64(h) >> uint(n*width)) & mask
}

// Len returns the number of registered images.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Get returns the entry for id.
func (i *Index) Get(id string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[id]
	return e, ok
}

// IsDuplicate reports whether any registered image matches the hashes and
// returns the closest match.
func (i *Index) IsDuplicate(coarse, fine ingest.PerceptualHash) (bool, string) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.match(coarse, fine, "")
	return ok, id
}

// IsDuplicateWithin is IsDuplicate restricted to one property.
func (i *Index) IsDuplicateWithin(key ingest.PropertyKey, coarse, fine ingest.PerceptualHash) (bool, string) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.match(coarse, fine, key)
	return ok, id
}

// Register inserts id into the flat index and its bands. Registering the same
// id again with the same hashes is a no-op.
func (i *Index) Register(id string, coarse, fine ingest.PerceptualHash, key ingest.PropertyKey, source string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.register(id, Entry{CoarseHash: coarse, FineHash: fine, PropertyKey: key, Source: source})
}

// Admit checks for a duplicate and registers the image if none is found, as a
// single step. Scope follows Config.PerProperty.
func (i *Index) Admit(id string, coarse, fine ingest.PerceptualHash, key ingest.PropertyKey, source string) (bool, string) {
	scope := ingest.PropertyKey("")
	if i.cfg.PerProperty {
		scope = key
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.entries[id]; !exists {
		if matched, ok := i.match(coarse, fine, scope); ok {
			return true, matched
		}
	}
	i.register(id, Entry{CoarseHash: coarse, FineHash: fine, PropertyKey: key, Source: source})
	return false, ""
}

// Forget removes id, e.g. when the image it stands for could not be stored.
func (i *Index) Forget(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[id]
	if !ok {
		return
	}
	i.unbucket(id, e.CoarseHash)
	delete(i.entries, id)
	i.dirty = true
}

func (i *Index) register(id string, e Entry) {
	if old, ok := i.entries[id]; ok {
		if old == e {
			return
		}
		i.unbucket(id, old.CoarseHash)
	}
	i.entries[id] = e
	i.bucket(id, e.CoarseHash)
	i.dirty = true
}

func (i *Index) bucket(id string, h ingest.PerceptualHash) {
	for n := range i.buckets {
		v := i.band(h, n)
		ids := i.buckets[n][v]
		pos := sort.SearchStrings(ids, id)
		if pos < len(ids) && ids[pos] == id {
			continue
		}
		ids = append(ids, "")
		copy(ids[pos+1:], ids[pos:])
		ids[pos] = id
		i.buckets[n][v] = ids
	}
}

func (i *Index) unbucket(id string, h ingest.PerceptualHash) {
	for n := range i.buckets {
		v := i.band(h, n)
		ids := i.buckets[n][v]
		pos := sort.SearchStrings(ids, id)
		if pos >= len(ids) || ids[pos] != id {
			continue
		}
		ids = append(ids[:pos], ids[pos+1:]...)
		if len(ids) == 0 {
			delete(i.buckets[n], v)
			continue
		}
		i.buckets[n][v] = ids
	}
}

// match must be called with mu held.
func (i *Index) match(coarse, fine ingest.PerceptualHash, scope ingest.PropertyKey) (string, bool) {
	seen := make(map[string]struct{})
	best, bestDist := "", -1
	for n := range i.buckets {
		for _, id := range i.buckets[n][i.band(coarse, n)] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			e := i.entries[id]
			if scope != "" && e.PropertyKey != scope {
				continue
			}
			dc := phash.Distance(coarse, e.CoarseHash)
			if dc > i.cfg.CoarseThreshold || phash.Distance(fine, e.FineHash) > i.cfg.FineThreshold {
				continue
			}
			if bestDist < 0 || dc < bestDist || (dc == bestDist && id < best) {
				best, bestDist = id, dc
			}
		}
	}
	return best, bestDist >= 0
}

// Load replaces the in-memory index with the persisted one and rebuilds the
// bands in sorted id order.
func (i *Index) Load() error {
	var f indexFile
	ok, err := atomicfile.ReadJSON(i.cfg.Path, &f)
	if err != nil {
		return &ingest.PersistenceError{Path: i.cfg.Path, Cause: err}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = make(map[string]Entry, len(f.Entries))
	i.buckets = newBuckets(i.cfg.Bands)
	if !ok {
		return nil
	}
	if f.Version > indexVersion {
		return &ingest.PersistenceError{Path: i.cfg.Path, Cause: fmt.Errorf("unsupported index version %d", f.Version)}
	}
	ids := make([]string, 0, len(f.Entries))
	for id := range f.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := f.Entries[id]
		i.entries[id] = e
		i.bucket(id, e.CoarseHash)
	}
	i.dirty = false
	i.logger.Info("dedup index loaded", zap.Int("entries", len(ids)), zap.String("path", i.cfg.Path))
	return nil
}

// Save writes the index atomically.
func (i *Index) Save() error {
	if i.cfg.Path == "" {
		return nil
	}
	i.flushMu.Lock()
	defer i.flushMu.Unlock()

	i.mu.Lock()
	f := indexFile{Version: indexVersion, UpdatedAt: i.now(), Entries: make(map[string]Entry, len(i.entries))}
	for id, e := range i.entries {
		f.Entries[id] = e
	}
	i.dirty = false
	i.mu.Unlock()

	if err := atomicfile.WriteJSON(i.cfg.Path, f); err != nil {
		i.mu.Lock()
		i.dirty = true
		i.mu.Unlock()
		return &ingest.PersistenceError{Path: i.cfg.Path, Cause: err}
	}
	return nil
}

// Checkpoint saves the index if it changed since the last save.
func (i *Index) Checkpoint() error {
	i.mu.RLock()
	dirty := i.dirty
	i.mu.RUnlock()
	if !dirty {
		return nil
	}
	return i.Save()
}
