// Package urltracker remembers every image URL seen per property so reruns
// only download what is new, stale or changed, and so photos dropped from a
// listing are noticed. Entries are keyed by property and URL: one photo URL
// shared by several listings has an independent lifecycle in each.
package urltracker

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

// FileVersion is the current on-disk format version. Version 1 keyed entries
// by URL alone; Restore still reads it.
const FileVersion = 2

// DefaultStaleAfter is how long a URL may go unseen before it is re-checked.
const DefaultStaleAfter = 7 * 24 * time.Hour

// File is the persisted tracker.
type File struct {
	Version     int                        `json:"version"`
	LastUpdated time.Time                  `json:"last_updated"`
	URLs        map[string]ingest.URLEntry `json:"urls"`
}

// entryKey identifies one URL within one property.
type entryKey struct {
	property ingest.PropertyKey
	url      string
}

// String is the persisted map key. Property keys never contain spaces.
func (k entryKey) String() string {
	return string(k.property) + " " + k.url
}

// Tracker is safe for concurrent use. Entries are never deleted.
type Tracker struct {
	staleAfter time.Duration
	now        func() time.Time

	mu   sync.RWMutex
	urls map[entryKey]*ingest.URLEntry
}

// New returns an empty tracker. A nil clock uses time.Now in UTC.
func New(staleAfter time.Duration, now func() time.Time) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{staleAfter: staleAfter, now: now, urls: make(map[entryKey]*ingest.URLEntry)}
}

// CheckURL classifies url for key. A URL only tracked for other properties is
// new here. A non-empty contentHash that differs from the stored one wins
// over staleness.
func (t *Tracker) CheckURL(key ingest.PropertyKey, url, contentHash string) ingest.URLCheck {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.urls[entryKey{key, url}]
	switch {
	case !ok:
		return ingest.URLCheckNew
	case e.Status == ingest.URLStatusRemoved:
		return ingest.URLCheckRemoved
	case contentHash != "" && e.ContentHash != "" && contentHash != e.ContentHash:
		return ingest.URLCheckContentChanged
	case t.now().Sub(e.LastSeen) > t.staleAfter:
		return ingest.URLCheckStale
	default:
		return ingest.URLCheckKnown
	}
}

// RegisterURL upserts url under key, refreshing last_seen and marking it
// active. Empty imageID or contentHash keep the stored values.
func (t *Tracker) RegisterURL(url, imageID string, key ingest.PropertyKey, contentHash, source string) ingest.URLEntry {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	k := entryKey{key, url}
	e, ok := t.urls[k]
	if !ok {
		e = &ingest.URLEntry{URL: url, PropertyKey: key, FirstSeen: now}
		t.urls[k] = e
	}
	e.Source = source
	e.LastSeen = now
	e.Status = ingest.URLStatusActive
	if imageID != "" {
		e.ImageID = imageID
	}
	if contentHash != "" {
		e.ContentHash = contentHash
	}
	return *e
}

// Touch records a re-sighting of an already tracked url of key without new
// content.
func (t *Tracker) Touch(key ingest.PropertyKey, url string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.urls[entryKey{key, url}]
	if !ok {
		return false
	}
	e.LastSeen = now
	return true
}

// DetectRemoved marks every active URL of key that is not in current as
// removed and returns those URLs sorted.
func (t *Tracker) DetectRemoved(key ingest.PropertyKey, current map[string]struct{}) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for k, e := range t.urls {
		if k.property != key || e.Status != ingest.URLStatusActive {
			continue
		}
		if _, listed := current[k.url]; listed {
			continue
		}
		e.Status = ingest.URLStatusRemoved
		removed = append(removed, k.url)
	}
	sort.Strings(removed)
	return removed
}

// Get returns a copy of the entry for url under key.
func (t *Tracker) Get(key ingest.PropertyKey, url string) (ingest.URLEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.urls[entryKey{key, url}]
	if !ok {
		return ingest.URLEntry{}, false
	}
	return *e, true
}

// ActiveURLs returns the active URLs of key, optionally limited to one source.
func (t *Tracker) ActiveURLs(key ingest.PropertyKey, source string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for k, e := range t.urls {
		if k.property != key || e.Status != ingest.URLStatusActive {
			continue
		}
		if source != "" && e.Source != source {
			continue
		}
		out = append(out, k.url)
	}
	sort.Strings(out)
	return out
}

// Entries returns every entry of key ordered by URL.
func (t *Tracker) Entries(key ingest.PropertyKey) []ingest.URLEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ingest.URLEntry
	for k, e := range t.urls {
		if k.property == key {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Counts returns the number of active and removed (property, URL) entries.
func (t *Tracker) Counts() (active, removed int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.urls {
		if e.Status == ingest.URLStatusRemoved {
			removed++
		} else {
			active++
		}
	}
	return active, removed
}

// Snapshot copies the tracker into its persisted form.
func (t *Tracker) Snapshot() File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f := File{Version: FileVersion, LastUpdated: t.now(), URLs: make(map[string]ingest.URLEntry, len(t.urls))}
	for k, e := range t.urls {
		f.URLs[k.String()] = *e
	}
	return f
}

// Restore replaces the tracker contents with f. Entries are re-keyed from
// their own property and URL fields, so either file version loads.
func (t *Tracker) Restore(f File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.urls = make(map[entryKey]*ingest.URLEntry, len(f.URLs))
	for raw, e := range f.URLs {
		entry := e
		if entry.URL == "" {
			entry.URL = raw
		}
		t.urls[entryKey{entry.PropertyKey, entry.URL}] = &entry
	}
}
