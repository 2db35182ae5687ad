// Package api serves a read-only HTTP view of the running loop
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mrcode/loopsim/internal/badge"
	"github.com/mrcode/loopsim/internal/dosing"
	"github.com/mrcode/loopsim/internal/models"
	"github.com/mrcode/loopsim/internal/prediction"
)

const (
	defaultHistoryMinutes = 180
	defaultHorizonMinutes = 30
	maxHorizonMinutes     = 24 * 60
)

// LoopReader is the view of the loop the API needs
type LoopReader interface {
	History(windowMinutes int) []models.HistoryPoint
	LatestReading() models.GlucoseReading
	ProjectedTrajectory(horizonMinutes int) []models.PredictionPoint
	Status() models.GlucoseStatus
	LastDecisions() (dosing.Decisions, bool)
	PolicyState() dosing.PolicyState
}

// Handler serves the loop state
type Handler struct {
	loop   LoopReader
	logger *slog.Logger
}

// NewHandler creates a Handler
func NewHandler(loop LoopReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{loop: loop, logger: logger.With("component", "api")}
}

// Router returns the HTTP routes mounted under /api/v1
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		RegisterRoutes(r, h)
	})
	return r
}

// RegisterRoutes registers the loop endpoints on r
func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/history", h.GetHistory)
	r.Get("/latest", h.GetLatest)
	r.Get("/projection", h.GetProjection)
	r.Get("/status", h.GetStatus)
	r.Get("/decisions", h.GetDecisions)
	r.Get("/policy", h.GetPolicy)
	r.Get("/badge.png", h.GetBadge)
}

// GetHistory returns chart points for ?minutes= (default 180)
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	minutes, ok := intParam(w, r, "minutes", defaultHistoryMinutes, 1, 24*60)
	if !ok {
		return
	}
	h.writeJSON(w, h.loop.History(minutes))
}

// GetLatest returns the most recent reading
func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.loop.LatestReading())
}

// GetProjection returns the projected trajectory for ?horizon= minutes,
// clamped to the display range
func (h *Handler) GetProjection(w http.ResponseWriter, r *http.Request) {
	horizon, ok := intParam(w, r, "horizon", defaultHorizonMinutes, 0, maxHorizonMinutes)
	if !ok {
		return
	}
	points := h.loop.ProjectedTrajectory(horizon)
	h.writeJSON(w, prediction.ClampForDisplay(points, prediction.DisplayMin, prediction.DisplayMax))
}

// GetStatus returns the display status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.loop.Status())
}

// GetDecisions returns the last cycle's decisions
func (h *Handler) GetDecisions(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loop.LastDecisions()
	if !ok {
		http.Error(w, "No cycle has run yet", http.StatusNotFound)
		return
	}
	h.writeJSON(w, d)
}

// GetPolicy returns the supervisor's rate-limiting state
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.loop.PolicyState())
}

// GetBadge renders the status badge as PNG
func (h *Handler) GetBadge(w http.ResponseWriter, r *http.Request) {
	status := h.loop.Status()
	png, err := badge.Render(&status)
	if err != nil {
		h.logger.Error("badge render failed", "error", err)
		http.Error(w, "Failed to render badge", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encoding response failed", "error", err)
	}
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// intParam parses an optional integer query parameter within [lo, hi].
// It writes a 400 and returns false when the value is invalid.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		http.Error(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return v, true
}
