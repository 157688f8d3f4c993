package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-photo-ingest/internal/app"
	"github.com/JakeFAU/listing-photo-ingest/internal/config"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/publisher/memory"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
	"github.com/JakeFAU/listing-photo-ingest/internal/testimage"
)

// MockRunSink mocks the state.RunSink interface.
type MockRunSink struct {
	mock.Mock
}

// SaveRun satisfies state.RunSink.
func (m *MockRunSink) SaveRun(ctx context.Context, run state.RunLog) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func photoServer(t *testing.T) *httptest.Server {
	t.Helper()
	a := testimage.PNG(testimage.Blocky(1, 96, 64))
	b := testimage.PNG(testimage.Blocky(2, 96, 64))
	photos := map[string][]byte{"/a.png": a, "/b.png": b, "/copy-of-a.png": a}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := photos[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loadConfig(t *testing.T, listings map[string][]string, extra string) config.Config {
	t.Helper()
	dir := t.TempDir()
	listingsPath := filepath.Join(dir, "listings.json")
	payload, err := json.Marshal(map[string]any{"listings": listings})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(listingsPath, payload, 0o600))

	body := fmt.Sprintf(`
state:
  dir: %s
  checkpoint_interval: 1
store:
  dir: %s
concurrency:
  max_concurrent: 4
  cpu_workers: 2
  source_rps: 0
progress:
  max_batch_wait: 10ms
sources:
  - name: feed
    type: static
    listings_file: %s
%s`, filepath.Join(dir, "state"), filepath.Join(dir, "images"), listingsPath, extra)
	path := filepath.Join(dir, "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func countPNGs(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".png") {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestNewRunsExtractionEndToEnd(t *testing.T) {
	t.Parallel()

	srv := photoServer(t)
	cfg := loadConfig(t, map[string][]string{
		"12 Main St": {srv.URL + "/a.png", srv.URL + "/b.png", srv.URL + "/copy-of-a.png"},
	}, `
pubsub:
  enabled: true
  project_id: test-project
  topic: listing-photos
`)

	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	cfg.Store.Mirror.Dir = mirrorDir

	pub := memory.New()
	runs := new(MockRunSink)
	runs.On("SaveRun", mock.Anything, mock.MatchedBy(func(r state.RunLog) bool {
		return r.Counters.Completed == 1
	})).Return(nil).Once()

	a, err := app.New(context.Background(), cfg, app.Options{
		Registerer: prometheus.NewRegistry(),
		HTTPClient: srv.Client(),
		Publisher:  pub,
		RunSink:    runs,
	})
	require.NoError(t, err)

	res, err := a.Orchestrator().ExtractAll(context.Background(), []ingest.Property{ingest.NewProperty("12 Main St")}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 2, res.ImagesUnique)
	assert.Equal(t, 1, res.ImagesDuplicate)
	assert.Equal(t, 2, countPNGs(t, cfg.Store.Dir))
	assert.Equal(t, 2, countPNGs(t, mirrorDir))

	require.NoError(t, a.Close(context.Background()))
	runs.AssertExpectations(t)

	var stages []string
	for _, msg := range pub.Topic("listing-photos") {
		var n struct {
			Stage string `json:"stage"`
		}
		require.NoError(t, msg.Decode(&n))
		stages = append(stages, n.Stage)
	}
	assert.Contains(t, stages, "PROPERTY_DONE")
	assert.Contains(t, stages, "RUN_DONE")

	recent, err := a.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, res.RunID, recent[0].RunID)
}

func TestNewRestoresStateAcrossInstances(t *testing.T) {
	t.Parallel()

	srv := photoServer(t)
	cfg := loadConfig(t, map[string][]string{"5 Elm Ave": {srv.URL + "/a.png"}}, "")
	props := []ingest.Property{ingest.NewProperty("5 Elm Ave")}

	first, err := app.New(context.Background(), cfg, app.Options{Registerer: prometheus.NewRegistry(), HTTPClient: srv.Client()})
	require.NoError(t, err)
	_, err = first.Orchestrator().ExtractAll(context.Background(), props, true)
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	second, err := app.New(context.Background(), cfg, app.Options{Registerer: prometheus.NewRegistry(), HTTPClient: srv.Client()})
	require.NoError(t, err)
	defer func() { require.NoError(t, second.Close(context.Background())) }()

	res, err := second.Orchestrator().ExtractAll(context.Background(), props, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "completed property is skipped on resume")
	assert.Len(t, second.Orchestrator().GetImages(props[0].Key), 1)
}

func TestNewFailsOnMissingListings(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, nil, "")
	cfg.Sources[0].ListingsFile = filepath.Join(t.TempDir(), "missing.json")

	_, err := app.New(context.Background(), cfg, app.Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source feed")
}

func TestNewRejectsDuplicateCollectorRegistration(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, nil, "")
	reg := prometheus.NewRegistry()

	a, err := app.New(context.Background(), cfg, app.Options{Registerer: reg, Sources: []ingest.Source{}})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	_, err = app.New(context.Background(), cfg, app.Options{Registerer: reg, Sources: []ingest.Source{}})
	require.Error(t, err)
}
