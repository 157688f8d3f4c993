package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/metrics"
	"github.com/JakeFAU/listing-photo-ingest/internal/orchestrator"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
)

const requestTimeout = 30 * time.Second

// StatusProvider is the read side of the orchestrator.
type StatusProvider interface {
	GetStatistics() orchestrator.Statistics
	GetProperty(key ingest.PropertyKey) ingest.PropertyState
	GetImages(key ingest.PropertyKey) []ingest.ImageMetadata
}

// RunLister returns finalized runs, newest first.
type RunLister interface {
	RecentRuns(ctx context.Context, n int) ([]state.RunLog, error)
}

// Server wires HTTP handlers to the orchestrator and run history.
type Server struct {
	router chi.Router
	status StatusProvider
	runs   *RunsHandler
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(status StatusProvider, runs RunLister, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		status: status,
		runs:   NewRunsHandler(runs, logger),
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Route("/properties/{key}", func(r chi.Router) {
			r.Get("/", s.getProperty)
			r.Get("/images", s.getImages)
		})
		r.Get("/runs", s.runs.ListRuns)
		r.Get("/runs/{id}", s.runs.GetRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.status.GetStatistics())
}

func (s *Server) getProperty(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	key, ok := propertyKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "property key or address is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"property": s.status.GetProperty(key)})
}

func (s *Server) getImages(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	key, ok := propertyKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "property key or address is required")
		return
	}
	images := s.status.GetImages(key)
	if r.URL.Query().Get("status") == string(ingest.ImageStatusActive) {
		active := images[:0:0]
		for _, img := range images {
			if img.Status == ingest.ImageStatusActive {
				active = append(active, img)
			}
		}
		images = active
	}
	if images == nil {
		images = []ingest.ImageMetadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"property_key": key, "images": images})
}

// propertyKey accepts either a canonical key or a URL-escaped address.
func propertyKey(r *http.Request) (ingest.PropertyKey, bool) {
	raw := chi.URLParam(r, "key")
	if key, ok := ingest.ParsePropertyKey(raw); ok {
		return key, true
	}
	address, err := url.PathUnescape(raw)
	if err != nil || ingest.NormalizeAddress(address) == "" {
		return "", false
	}
	return ingest.NewPropertyKey(address), true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
