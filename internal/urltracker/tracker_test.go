package urltracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTracker() (*Tracker, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(24*time.Hour, c.Now), c
}

func set(urls ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		out[u] = struct{}{}
	}
	return out
}

func TestCheckURLClassification(t *testing.T) {
	t.Parallel()

	tr, c := newTracker()
	assert.Equal(t, ingest.URLCheckNew, tr.CheckURL("p", "u1", ""))

	tr.RegisterURL("u1", "p_1", "p", "hash-a", "A")
	assert.Equal(t, ingest.URLCheckKnown, tr.CheckURL("p", "u1", ""))
	assert.Equal(t, ingest.URLCheckKnown, tr.CheckURL("p", "u1", "hash-a"))
	assert.Equal(t, ingest.URLCheckContentChanged, tr.CheckURL("p", "u1", "hash-b"))

	c.t = c.t.Add(25 * time.Hour)
	assert.Equal(t, ingest.URLCheckStale, tr.CheckURL("p", "u1", ""))
	assert.Equal(t, ingest.URLCheckContentChanged, tr.CheckURL("p", "u1", "hash-b"))

	tr.DetectRemoved("p", set())
	assert.Equal(t, ingest.URLCheckRemoved, tr.CheckURL("p", "u1", ""))
}

func TestURLLifecycle(t *testing.T) {
	t.Parallel()

	tr, c := newTracker()
	first := tr.RegisterURL("u1", "p_1", "p", "h1", "A")
	tr.RegisterURL("u2", "p_2", "p", "h2", "A")
	tr.RegisterURL("o1", "q_1", "q", "h3", "A")

	removed := tr.DetectRemoved("p", set("u2", "u3"))
	assert.Equal(t, []string{"u1"}, removed)
	e, ok := tr.Get("p", "u1")
	require.True(t, ok)
	assert.Equal(t, ingest.URLStatusRemoved, e.Status)
	other, _ := tr.Get("q", "o1")
	assert.Equal(t, ingest.URLStatusActive, other.Status, "other properties untouched")

	assert.Empty(t, tr.DetectRemoved("p", set("u2")), "already removed URLs are not reported twice")

	c.t = c.t.Add(time.Hour)
	again := tr.RegisterURL("u1", "", "p", "", "A")
	assert.Equal(t, ingest.URLStatusActive, again.Status)
	assert.Equal(t, first.FirstSeen, again.FirstSeen)
	assert.Equal(t, "p_1", again.ImageID)
	assert.Equal(t, "h1", again.ContentHash)
	assert.True(t, again.LastSeen.After(first.LastSeen))

	active, removedCount := tr.Counts()
	assert.Equal(t, 3, active)
	assert.Zero(t, removedCount)
	assert.Len(t, tr.Entries("p"), 2)
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	t.Parallel()

	tr, c := newTracker()
	assert.False(t, tr.Touch("p", "missing"))
	tr.RegisterURL("u1", "p_1", "p", "h1", "A")
	c.t = c.t.Add(20 * time.Hour)
	require.True(t, tr.Touch("p", "u1"))
	c.t = c.t.Add(20 * time.Hour)
	assert.Equal(t, ingest.URLCheckKnown, tr.CheckURL("p", "u1", ""))
}

func TestActiveURLsBySource(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker()
	tr.RegisterURL("b", "", "p", "", "A")
	tr.RegisterURL("a", "", "p", "", "A")
	tr.RegisterURL("c", "", "p", "", "B")
	assert.Equal(t, []string{"a", "b"}, tr.ActiveURLs("p", "A"))
	assert.Equal(t, []string{"a", "b", "c"}, tr.ActiveURLs("p", ""))
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()

	tr, c := newTracker()
	tr.RegisterURL("u1", "p_1", "p", "h1", "A")
	tr.RegisterURL("u2", "p_2", "p", "h2", "B")
	tr.DetectRemoved("p", set("u1"))

	snap := tr.Snapshot()
	assert.Equal(t, FileVersion, snap.Version)
	assert.Len(t, snap.URLs, 2)

	restored := New(24*time.Hour, c.Now)
	restored.Restore(snap)
	assert.Equal(t, tr.Entries("p"), restored.Entries("p"))

	// Snapshots are copies.
	tr.RegisterURL("u2", "", "p", "", "B")
	assert.Equal(t, ingest.URLStatusRemoved, snap.URLs["p u2"].Status)
}

func TestSharedURLIsTrackedPerProperty(t *testing.T) {
	t.Parallel()

	tr, c := newTracker()
	tr.RegisterURL("building", "p_1", "p", "h1", "A")
	tr.RegisterURL("p-only", "p_2", "p", "h2", "A")
	assert.Equal(t, ingest.URLCheckNew, tr.CheckURL("q", "building", ""), "another property's URL is new here")

	c.t = c.t.Add(25 * time.Hour)
	tr.RegisterURL("building", "q_1", "q", "h1", "A")

	pEntry, ok := tr.Get("p", "building")
	require.True(t, ok)
	assert.Equal(t, ingest.PropertyKey("p"), pEntry.PropertyKey)
	assert.Equal(t, "p_1", pEntry.ImageID)
	qEntry, ok := tr.Get("q", "building")
	require.True(t, ok)
	assert.Equal(t, "q_1", qEntry.ImageID)

	assert.Empty(t, tr.DetectRemoved("p", set("building", "p-only")))
	assert.Equal(t, []string{"building"}, tr.DetectRemoved("q", set()))
	pEntry, _ = tr.Get("p", "building")
	assert.Equal(t, ingest.URLStatusActive, pEntry.Status, "removal in one listing leaves the other alone")
	assert.Equal(t, ingest.URLCheckRemoved, tr.CheckURL("q", "building", ""))
	assert.Equal(t, ingest.URLCheckStale, tr.CheckURL("p", "building", ""))
}

func TestRestoreReadsURLKeyedFiles(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker()
	tr.Restore(File{Version: 1, URLs: map[string]ingest.URLEntry{
		"u1": {ImageID: "p_1", PropertyKey: "p", Status: ingest.URLStatusActive},
	}})
	e, ok := tr.Get("p", "u1")
	require.True(t, ok)
	assert.Equal(t, "u1", e.URL)
	assert.Equal(t, "p_1", e.ImageID)
}
