package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/id/uuid"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	runsTimeout     = 3 * time.Second
)

// RunsHandler exposes finalized run logs.
type RunsHandler struct {
	runs    RunLister
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the run lister and logger.
func NewRunsHandler(runs RunLister, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{runs: runs, timeout: runsTimeout, logger: logger}
}

// ListRuns handles GET /v1/runs?limit=. It returns {"runs": [...]} newest
// first, 400 for an invalid limit, 503 when no history is wired, or 500 if
// the lister fails.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.runs.RecentRuns(ctx, limit)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// GetRun handles GET /v1/runs/{id}. It returns the full run log including
// per-property changes. Only runs within the listing window are searched.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	if !uuid.Valid(id) {
		writeError(w, http.StatusBadRequest, "run id must be a UUID")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.runs.RecentRuns(ctx, maxRunLimit)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err), zap.String("run_id", id))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	for _, run := range runs {
		if run.RunID == id {
			writeJSON(w, http.StatusOK, run)
			return
		}
	}
	writeError(w, http.StatusNotFound, "run not found")
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

// runDTO flattens a RunLog for listing; per-property changes are counted
// rather than inlined.
type runDTO struct {
	RunID      string         `json:"run_id"`
	Mode       string         `json:"mode"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMs int64          `json:"duration_ms"`
	Properties int            `json:"properties"`
	Counters   state.Counters `json:"counters"`
}

func toRunDTOs(in []state.RunLog) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, runDTO{
			RunID:      run.RunID,
			Mode:       run.Mode,
			StartedAt:  run.StartedAt,
			EndedAt:    run.EndedAt,
			DurationMs: run.EndedAt.Sub(run.StartedAt).Milliseconds(),
			Properties: len(run.Properties),
			Counters:   run.Counters,
		})
	}
	return out
}
