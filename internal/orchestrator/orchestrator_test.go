package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-photo-ingest/internal/clock/system"
	"github.com/JakeFAU/listing-photo-ingest/internal/concurrency"
	"github.com/JakeFAU/listing-photo-ingest/internal/contentstore"
	"github.com/JakeFAU/listing-photo-ingest/internal/dedup"
	"github.com/JakeFAU/listing-photo-ingest/internal/id/uuid"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/standardize"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
	"github.com/JakeFAU/listing-photo-ingest/internal/testimage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeSource serves fixed listings and image bytes and counts calls.
type fakeSource struct {
	name string

	mu        sync.Mutex
	listings  map[ingest.PropertyKey][]string
	images    map[string][]byte
	listErrs  []error
	listFunc  func(ctx context.Context) error
	listCalls int
	fetches   map[string]int
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{
		name:     name,
		listings: make(map[ingest.PropertyKey][]string),
		images:   make(map[string][]byte),
		fetches:  make(map[string]int),
	}
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) ListImages(ctx context.Context, p ingest.Property) ([]ingest.ImageCandidate, error) {
	s.mu.Lock()
	s.listCalls++
	var err error
	if len(s.listErrs) > 0 {
		err = s.listErrs[0]
		if len(s.listErrs) > 1 {
			s.listErrs = s.listErrs[1:]
		}
	}
	fn := s.listFunc
	urls := append([]string(nil), s.listings[p.Key]...)
	s.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]ingest.ImageCandidate, 0, len(urls))
	for _, u := range urls {
		out = append(out, ingest.ImageCandidate{Source: s.name, URL: u})
	}
	return out, nil
}

func (s *fakeSource) FetchImage(_ context.Context, url string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[url]++
	data, ok := s.images[url]
	if !ok {
		return nil, "", &ingest.PermanentSourceError{Source: s.name, URL: url, StatusCode: 404}
	}
	return data, "image/png", nil
}

func (s *fakeSource) set(key ingest.PropertyKey, urls map[string][]byte, order ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[key] = order
	for u, data := range urls {
		s.images[u] = data
	}
}

func (s *fakeSource) failWith(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErrs = errs
}

func (s *fakeSource) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *fakeSource) TotalFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.fetches {
		n += c
	}
	return n
}

type harness struct {
	dir   string
	clock *fakeClock
	state *state.Tracker
	dedup *dedup.Index
	store *contentstore.Store
	runs  *state.RunRecorder
	mgr   *concurrency.Manager
}

func newHarness(t *testing.T, mutate func(*Config), sources ...ingest.Source) (*Orchestrator, *harness) {
	t.Helper()
	h := &harness{dir: t.TempDir(), clock: newFakeClock()}

	var err error
	h.state, err = state.Open(state.Config{Dir: filepath.Join(h.dir, "state"), CheckpointInterval: 2}, h.clock.Now, nil)
	require.NoError(t, err)
	dcfg := dedup.DefaultConfig()
	dcfg.Path = filepath.Join(h.dir, "state", "dedup_index.json")
	h.dedup, err = dedup.Open(dcfg, nil)
	require.NoError(t, err)
	h.store, err = contentstore.New(filepath.Join(h.dir, "images"), nil)
	require.NoError(t, err)
	h.runs = state.NewRunRecorder(filepath.Join(h.dir, "state"), 5, h.clock.Now, nil, nil)
	h.mgr = concurrency.NewManager(
		concurrency.Config{MaxConcurrent: 4, CPUWorkers: 2},
		concurrency.BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenSuccesses: 2},
		concurrency.DefaultErrorConfig(),
		h.clock.Now,
		nil,
	)

	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, Deps{
		Sources:      sources,
		Manager:      h.mgr,
		Standardizer: standardize.New(standardize.DefaultConfig()),
		Dedup:        h.dedup,
		Store:        h.store,
		State:        h.state,
		Runs:         h.runs,
		Clock:        h.clock,
	}, nil)
	require.NoError(t, err)
	return o, h
}

func photo(seed int64) []byte {
	return testimage.PNG(testimage.Blocky(seed, 96, 64))
}

func activeURLs(h *harness, key ingest.PropertyKey) int {
	n := 0
	for _, e := range h.state.URLs().Entries(key) {
		if e.Status == ingest.URLStatusActive {
			n++
		}
	}
	return n
}

// Property P1: source A lists u1, u2, u3 where u2 is u1 re-encoded with a
// one-level pixel change; source B lists u4.
func exampleSources() (*fakeSource, *fakeSource, ingest.Property) {
	p1 := ingest.NewProperty("12 Oak Street, Springfield")
	base := testimage.Blocky(1, 96, 64)
	a := newFakeSource("A")
	a.set(p1.Key, map[string][]byte{
		"https://a.example/u1.jpg": testimage.PNG(base),
		"https://a.example/u2.jpg": testimage.PNG(testimage.Nudge(base)),
		"https://a.example/u3.jpg": photo(2),
	}, "https://a.example/u1.jpg", "https://a.example/u2.jpg", "https://a.example/u3.jpg")
	b := newFakeSource("B")
	b.set(p1.Key, map[string][]byte{"https://b.example/u4.jpg": photo(3)}, "https://b.example/u4.jpg")
	return a, b, p1
}

func TestExtractAllExampleScenario(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, h := newHarness(t, nil, a, b)

	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, true)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 4, res.ImagesFound)
	assert.Equal(t, 3, res.ImagesUnique)
	assert.Equal(t, 1, res.ImagesDuplicate)
	assert.Len(t, o.GetImages(p1.Key), 3)
	assert.Equal(t, 4, activeURLs(h, p1.Key))
	assert.Equal(t, 3, res.PerSource["A"].ImagesFound)
	assert.Equal(t, 1, res.PerSource["B"].ImagesUnique)
	assert.Equal(t, []string{"A", "B"}, res.SourceNames())
	assert.Equal(t, 3, h.dedup.Len())

	dupEntry, ok := h.state.URLEntry(p1.Key, "https://a.example/u2.jpg")
	require.True(t, ok)
	firstEntry, _ := h.state.URLEntry(p1.Key, "https://a.example/u1.jpg")
	assert.Equal(t, firstEntry.ImageID, dupEntry.ImageID, "duplicate URL points at the kept image")

	for _, m := range o.GetImages(p1.Key) {
		assert.FileExists(t, m.StoragePath)
		assert.Equal(t, h.store.PathFor(m.ContentHash), m.StoragePath)
	}
	assert.True(t, h.state.IsComplete(p1.Key))
	assert.FileExists(t, filepath.Join(h.dir, "state", state.CompletionFile))
	assert.FileExists(t, filepath.Join(h.dir, "state", "dedup_index.json"))

	runs, err := h.runs.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Counters.ImagesUnique)
	require.Len(t, runs[0].Properties, 1)
	assert.Equal(t, ingest.PropertyComplete, runs[0].Properties[0].Status)
}

func TestExtractAllResumeIsIdempotent(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, _ := newHarness(t, nil, a, b)

	_, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, true)
	require.NoError(t, err)
	fetchesA, fetchesB := a.TotalFetches(), b.TotalFetches()
	before := o.GetImages(p1.Key)

	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.ImagesUnique)
	assert.Equal(t, fetchesA, a.TotalFetches())
	assert.Equal(t, fetchesB, b.TotalFetches())
	assert.Equal(t, before, o.GetImages(p1.Key))
}

func TestExtractAllFullRerunSkipsKnownURLs(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, _ := newHarness(t, nil, a, b)

	_, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, true)
	require.NoError(t, err)
	fetches := a.TotalFetches() + b.TotalFetches()
	before := o.GetImages(p1.Key)

	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 4, res.ImagesKnown)
	assert.Zero(t, res.ImagesUnique)
	assert.Equal(t, fetches, a.TotalFetches()+b.TotalFetches(), "known URLs are not downloaded")
	assert.Equal(t, before, o.GetImages(p1.Key))
	assert.Equal(t, ModeFull, res.Mode)
}

func TestExtractAllDetectsRemovedPhotos(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, h := newHarness(t, nil, a, b)
	_, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)

	a.set(p1.Key, nil, "https://a.example/u1.jpg", "https://a.example/u2.jpg")
	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.URLsRemoved)

	entry, ok := h.state.URLEntry(p1.Key, "https://a.example/u3.jpg")
	require.True(t, ok)
	assert.Equal(t, ingest.URLStatusRemoved, entry.Status)

	var removed int
	for _, m := range o.GetImages(p1.Key) {
		if m.Status == ingest.ImageStatusRemoved {
			removed++
			assert.Equal(t, "https://a.example/u3.jpg", m.SourceURL)
		}
	}
	assert.Equal(t, 1, removed)
}

func TestExtractAllRefreshesStaleURLs(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, h := newHarness(t, nil, a, b)
	_, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	fetches := a.TotalFetches() + b.TotalFetches()
	before := o.GetImages(p1.Key)

	h.clock.Advance(8 * 24 * time.Hour)
	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	assert.Equal(t, fetches+4, a.TotalFetches()+b.TotalFetches(), "stale URLs are downloaded again")
	assert.Equal(t, 4, res.ImagesKnown)
	assert.Zero(t, res.ImagesUnique)
	assert.Zero(t, res.ImagesDuplicate)
	assert.Equal(t, before, o.GetImages(p1.Key), "unchanged bytes add no manifest entry")

	res, err = o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	assert.Equal(t, fetches+4, a.TotalFetches()+b.TotalFetches(), "refreshed URLs are fresh again")
	assert.Equal(t, 4, res.ImagesKnown)
}

func TestExtractAllReplacesChangedContent(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, h := newHarness(t, nil, a, b)
	_, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	old, ok := h.state.URLEntry(p1.Key, "https://a.example/u3.jpg")
	require.True(t, ok)

	a.set(p1.Key, map[string][]byte{"https://a.example/u3.jpg": photo(7)},
		"https://a.example/u1.jpg", "https://a.example/u2.jpg", "https://a.example/u3.jpg")
	h.clock.Advance(8 * 24 * time.Hour)
	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ImagesUnique)
	assert.Equal(t, 3, res.ImagesKnown)

	current, ok := h.state.URLEntry(p1.Key, "https://a.example/u3.jpg")
	require.True(t, ok)
	assert.NotEqual(t, old.ImageID, current.ImageID)
	assert.NotEqual(t, old.ContentHash, current.ContentHash)
	assert.Equal(t, ingest.URLStatusActive, current.Status)

	images := o.GetImages(p1.Key)
	require.Len(t, images, 4)
	status := make(map[string]ingest.ImageStatus, len(images))
	for _, m := range images {
		status[m.ImageID] = m.Status
	}
	assert.Equal(t, ingest.ImageStatusRemoved, status[old.ImageID])
	assert.Equal(t, ingest.ImageStatusActive, status[current.ImageID])
}

func TestExtractAllReactivatesRelistedURL(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, h := newHarness(t, nil, a, b)
	_, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)

	a.set(p1.Key, nil, "https://a.example/u1.jpg", "https://a.example/u2.jpg")
	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.URLsRemoved)

	a.set(p1.Key, nil, "https://a.example/u1.jpg", "https://a.example/u2.jpg", "https://a.example/u3.jpg")
	res, err = o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	assert.Zero(t, res.ImagesUnique)
	assert.Zero(t, res.URLsRemoved)
	assert.Equal(t, 4, res.ImagesKnown)
	assert.Equal(t, 2, a.fetches["https://a.example/u3.jpg"], "removed URLs are downloaded again when re-listed")

	entry, ok := h.state.URLEntry(p1.Key, "https://a.example/u3.jpg")
	require.True(t, ok)
	assert.Equal(t, ingest.URLStatusActive, entry.Status)
	images := o.GetImages(p1.Key)
	require.Len(t, images, 3, "no duplicate manifest entry")
	for _, m := range images {
		assert.Equal(t, ingest.ImageStatusActive, m.Status, m.SourceURL)
	}
}

func TestExtractAllSharedURLStaysWithEachProperty(t *testing.T) {
	t.Parallel()

	const building = "https://a.example/building.png"
	p1 := ingest.NewProperty("1 Harbor View, Unit 1")
	p2 := ingest.NewProperty("1 Harbor View, Unit 2")
	a := newFakeSource("A")
	a.set(p1.Key, map[string][]byte{building: photo(20), "https://a.example/a1.png": photo(21)},
		building, "https://a.example/a1.png")
	a.set(p2.Key, nil, building)
	o, h := newHarness(t, nil, a)

	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1, p2}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	require.Len(t, o.GetImages(p1.Key), 2)
	require.Len(t, o.GetImages(p2.Key), 1, "a URL known to another property is new here")

	h.clock.Advance(8 * 24 * time.Hour)
	_, err = o.ExtractAll(context.Background(), []ingest.Property{p2}, false)
	require.NoError(t, err)
	_, err = o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)

	for _, key := range []ingest.PropertyKey{p1.Key, p2.Key} {
		entry, ok := h.state.URLEntry(key, building)
		require.True(t, ok)
		assert.Equal(t, key, entry.PropertyKey)
		assert.Equal(t, ingest.URLStatusActive, entry.Status)
		for _, m := range o.GetImages(key) {
			assert.Equal(t, ingest.ImageStatusActive, m.Status, m.SourceURL)
		}
	}

	a.set(p2.Key, nil)
	res, err = o.ExtractAll(context.Background(), []ingest.Property{p2}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.URLsRemoved)
	entry, _ := h.state.URLEntry(p1.Key, building)
	assert.Equal(t, ingest.URLStatusActive, entry.Status, "removal from one listing leaves the other alone")
}

func TestExtractAllFailedListingDoesNotRemoveURLs(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, h := newHarness(t, nil, a, b)
	_, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)

	b.failWith(&ingest.PermanentSourceError{Source: "B", StatusCode: 403})
	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed, "one successful source is enough")
	assert.Zero(t, res.URLsRemoved)
	assert.Equal(t, 4, activeURLs(h, p1.Key))
	assert.Equal(t, 1, res.PerSource["B"].Failures)
}

func TestExtractAllStrictModeRequiresEverySource(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	b.failWith(&ingest.PermanentSourceError{Source: "B", StatusCode: 403})
	o, h := newHarness(t, func(c *Config) { c.StrictMode = true }, a, b)

	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	st := h.state.Property(p1.Key)
	assert.Equal(t, ingest.PropertyFailed, st.Status)
	assert.Equal(t, 1, st.RetryCount)
	assert.Contains(t, st.LastError, "B:")
	assert.Len(t, o.GetImages(p1.Key), 3, "images from healthy sources are still kept")

	b.failWith()
	res, err = o.ExtractAll(context.Background(), []ingest.Property{p1}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed, "failed properties are retried on resume")
}

func TestExtractAllCircuitBreakerSkipsFailingSource(t *testing.T) {
	t.Parallel()

	a := newFakeSource("A")
	a.failWith(&ingest.PermanentSourceError{Source: "A", StatusCode: 500})
	b := newFakeSource("B")
	var props []ingest.Property
	for i := 0; i < 5; i++ {
		p := ingest.NewProperty(fmt.Sprintf("%d Elm Road", i))
		b.set(p.Key, map[string][]byte{fmt.Sprintf("https://b/%d.png", i): photo(int64(10 + i))}, fmt.Sprintf("https://b/%d.png", i))
		props = append(props, p)
	}
	o, h := newHarness(t, func(c *Config) { c.PropertyWorkers = 1 }, a, b)

	res, err := o.ExtractAll(context.Background(), props, true)
	require.NoError(t, err)
	assert.Equal(t, 3, a.ListCalls(), "breaker opens after three consecutive failures")
	assert.Equal(t, 2, res.PerSource["A"].Skipped)
	assert.Equal(t, 5, res.Completed)
	assert.Equal(t, concurrency.StateOpen, h.mgr.BreakerState("A"))
	require.NotEmpty(t, res.TopErrors)

	h.clock.Advance(time.Minute + time.Second)
	more := []ingest.Property{ingest.NewProperty("100 Pine"), ingest.NewProperty("200 Pine")}
	_, err = o.ExtractAll(context.Background(), more, true)
	require.NoError(t, err)
	assert.Equal(t, 4, a.ListCalls(), "exactly one probe after the cooldown")
	assert.Equal(t, concurrency.StateOpen, h.mgr.BreakerState("A"))
}

func TestExtractAllParallelPropertiesShareOneProbe(t *testing.T) {
	t.Parallel()

	a := newFakeSource("A")
	a.failWith(&ingest.PermanentSourceError{Source: "A", StatusCode: 500})
	o, h := newHarness(t, func(c *Config) { c.PropertyWorkers = 8 }, a)

	var first []ingest.Property
	for i := 0; i < 3; i++ {
		first = append(first, ingest.NewProperty(fmt.Sprintf("%d Cedar Court", i)))
	}
	_, err := o.ExtractAll(context.Background(), first, true)
	require.NoError(t, err)
	require.Equal(t, 3, a.ListCalls())
	require.Equal(t, concurrency.StateOpen, h.mgr.BreakerState("A"))

	for round := 0; round < 5; round++ {
		h.clock.Advance(time.Minute + time.Second)
		calls := a.ListCalls()
		var props []ingest.Property
		for i := 0; i < 16; i++ {
			props = append(props, ingest.NewProperty(fmt.Sprintf("%d-%d Spruce Way", round, i)))
		}
		res, err := o.ExtractAll(context.Background(), props, true)
		require.NoError(t, err)
		assert.Equal(t, calls+1, a.ListCalls(), "a failed probe admits no second caller")
		assert.Equal(t, 15, res.PerSource["A"].Skipped)
		assert.Equal(t, concurrency.StateOpen, h.mgr.BreakerState("A"))
	}
}

func TestExtractAllRetriesTransientListing(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	a.failWith(&ingest.TransientSourceError{Source: "A", StatusCode: 503}, nil)
	o, _ := newHarness(t, nil, a, b)

	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, a.ListCalls())
	assert.Equal(t, 1, res.PerSource["A"].Successes)
	assert.Zero(t, res.PerSource["A"].Failures)
	assert.Equal(t, 3, res.ImagesUnique)
}

func TestExtractAllSkipsInvalidImages(t *testing.T) {
	t.Parallel()

	p := ingest.NewProperty("9 Birch Lane")
	a := newFakeSource("A")
	a.set(p.Key, map[string][]byte{
		"https://a/ok.png":  photo(5),
		"https://a/bad.png": []byte("<html>not an image</html>"),
	}, "https://a/ok.png", "https://a/bad.png", "https://a/missing.png")
	o, h := newHarness(t, nil, a)

	res, err := o.ExtractAll(context.Background(), []ingest.Property{p}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.ImagesUnique)
	assert.Equal(t, 1, res.ImagesInvalid)
	assert.Equal(t, 1, res.DownloadFailures)
	assert.Equal(t, 1, a.fetches["https://a/missing.png"], "permanent errors are not retried")

	_, tracked := h.state.URLEntry(p.Key, "https://a/bad.png")
	assert.False(t, tracked, "rejected URLs are retried next run")
}

func TestExtractAllCancellationCheckpoints(t *testing.T) {
	t.Parallel()

	p := ingest.NewProperty("1 Slow Street")
	started := make(chan struct{})
	a := newFakeSource("A")
	var once sync.Once
	a.listFunc = func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
	o, h := newHarness(t, nil, a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ExtractionResult, 1)
	go func() {
		res, err := o.ExtractAll(ctx, []ingest.Property{p, ingest.NewProperty("2 Slow Street")}, true)
		assert.NoError(t, err)
		done <- res
	}()
	<-started
	cancel()

	var res ExtractionResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	assert.True(t, res.Interrupted)
	assert.GreaterOrEqual(t, res.Canceled, 1)
	assert.Zero(t, res.Completed)
	assert.Zero(t, res.PerSource["A"].Failures, "cancellation does not feed the breaker")
	assert.False(t, h.state.IsComplete(p.Key))
	assert.FileExists(t, filepath.Join(h.dir, "state", state.CompletionFile))
}

func TestExtractAllNoSourcesFails(t *testing.T) {
	t.Parallel()

	o, _ := newHarness(t, nil)
	res, err := o.ExtractAll(context.Background(), []ingest.Property{ingest.NewProperty("x")}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
}

func TestExtractAllDeduplicatesInputProperties(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, _ := newHarness(t, nil, a, b)
	same := ingest.NewProperty("12  OAK street, springfield")
	require.Equal(t, p1.Key, same.Key)

	res, err := o.ExtractAll(context.Background(), []ingest.Property{p1, same}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, a.ListCalls())
}

func TestGetStatistics(t *testing.T) {
	t.Parallel()

	a, b, p1 := exampleSources()
	o, _ := newHarness(t, nil, a, b)
	assert.Nil(t, o.GetStatistics().LastRun)

	_, err := o.ExtractAll(context.Background(), []ingest.Property{p1}, true)
	require.NoError(t, err)

	stats := o.GetStatistics()
	require.NotNil(t, stats.LastRun)
	assert.Equal(t, 3, stats.LastRun.ImagesUnique)
	assert.Equal(t, 3, stats.DedupEntries)
	assert.Equal(t, 3, stats.State.ImagesActive)
	assert.Equal(t, 4, stats.State.URLsActive)
	assert.Equal(t, 1, stats.State.Properties[ingest.PropertyComplete])
	assert.Equal(t, []string{"A", "B"}, stats.Sources)
	assert.LessOrEqual(t, stats.PeakInFlight, int64(4))
}

func TestNewRejectsDuplicateSourceNames(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultConfig(), Deps{
		Sources:      []ingest.Source{newFakeSource("A"), newFakeSource("A")},
		Manager:      concurrency.NewManager(concurrency.Config{}, concurrency.BreakerConfig{}, concurrency.ErrorConfig{}, nil, nil),
		Standardizer: standardize.New(standardize.DefaultConfig()),
		Dedup:        &dedup.Index{},
		Store:        &contentstore.Store{},
		State:        &state.Tracker{},
	}, nil)
	require.Error(t, err)
}

func TestNewDefaultsClockAndRunIDs(t *testing.T) {
	t.Parallel()

	_, h := newHarness(t, nil)
	o, err := New(DefaultConfig(), Deps{
		Manager:      h.mgr,
		Standardizer: standardize.New(standardize.DefaultConfig()),
		Dedup:        h.dedup,
		Store:        h.store,
		State:        h.state,
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &system.Clock{}, o.deps.Clock)
	assert.IsType(t, &uuid.Generator{}, o.deps.IDs)

	res, err := o.ExtractAll(context.Background(), nil, true)
	require.NoError(t, err)
	assert.True(t, uuid.Valid(res.RunID), res.RunID)
}
