// Package api exposes leaderboard reads and rebuild triggers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"hoopslab/leaderboards/internal/catalog"
	"hoopslab/leaderboards/internal/leaderboard"
	"hoopslab/leaderboards/internal/metrics"
	"hoopslab/leaderboards/internal/models"
	"hoopslab/leaderboards/internal/scheduler"
)

// Leaderboards serves cached leaderboard payloads
type Leaderboards interface {
	Get(ctx context.Context, seasonID int, statKey string, f models.Filters) (*leaderboard.Result, error)
	GetCompact(ctx context.Context, seasonID int, statKey string) (*models.CompactPayload, error)
	LatestForSeason(ctx context.Context, seasonID int) (map[string]*models.Payload, error)
	Catalog() *catalog.Catalog
}

// Rebuilder queues season rebuilds
type Rebuilder interface {
	ScheduleSeasonRebuild(ctx context.Context, seasonID int) (string, error)
}

// ProgressReader reads background job progress
type ProgressReader interface {
	Get(ctx context.Context, key string) (*models.Progress, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Handler holds the HTTP handlers
type Handler struct {
	leaderboards Leaderboards
	rebuilder    Rebuilder
	progress     ProgressReader
	checks       map[string]HealthCheck
}

// NewHandler creates a Handler. checks are run by /health.
func NewHandler(leaderboards Leaderboards, rebuilder Rebuilder, progress ProgressReader, checks map[string]HealthCheck) *Handler {
	return &Handler{
		leaderboards: leaderboards,
		rebuilder:    rebuilder,
		progress:     progress,
		checks:       checks,
	}
}

// RegisterRoutes wires the health and leaderboard endpoints into mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)

	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/leaderboards/{season}", h.handleSeason)
	mux.HandleFunc("GET /api/leaderboards/{season}/{stat}", h.handleLeaderboard)
	mux.HandleFunc("GET /api/leaderboards/{season}/{stat}/compact", h.handleCompact)
	mux.HandleFunc("POST /api/leaderboards/{season}/rebuild", h.handleRebuild)
	mux.HandleFunc("GET /api/leaderboards/{season}/progress", h.handleProgress)
}

// Routes returns a mux with every endpoint behind the request logger.
// /metrics is served only when exposeMetrics is set.
func (h *Handler) Routes(exposeMetrics bool) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	if exposeMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return requestLogger(mux)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"status": "healthy"}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			status["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"stats": h.leaderboards.Catalog().Definitions()})
}

// seasonSummary describes the newest stored unfiltered payload of one stat
type seasonSummary struct {
	StatKey string    `json:"stat_key"`
	Label   string    `json:"label"`
	Rows    int       `json:"rows"`
	HasData bool      `json:"has_data"`
	BuiltAt time.Time `json:"built_at"`
}

func (h *Handler) handleSeason(w http.ResponseWriter, r *http.Request) {
	seasonID, ok := seasonParam(w, r)
	if !ok {
		return
	}

	latest, err := h.leaderboards.LatestForSeason(r.Context(), seasonID)
	if err != nil {
		log.Error().Err(err).Int("season_id", seasonID).Msg("Failed to list season leaderboards")
		metrics.RecordError("api", "season")
		writeError(w, http.StatusInternalServerError, "failed to list leaderboards")
		return
	}

	summaries := make([]seasonSummary, 0, len(latest))
	for _, def := range h.leaderboards.Catalog().Definitions() {
		payload, ok := latest[def.Key]
		if !ok {
			continue
		}
		summaries = append(summaries, seasonSummary{
			StatKey: def.Key,
			Label:   def.Label,
			Rows:    len(payload.Rows),
			HasData: payload.HasData,
			BuiltAt: payload.BuiltAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"season_id": seasonID, "leaderboards": summaries})
}

func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	seasonID, ok := seasonParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filters, err := leaderboard.ParseFilters(q.Get("start"), q.Get("end"), q.Get("labels"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.leaderboards.Get(r.Context(), seasonID, r.PathValue("stat"), filters)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	etag := strconv.Quote(res.ETag)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if res.Source != "" {
		w.Header().Set("X-Leaderboard-Source", res.Source)
	}

	if etagMatches(r.Header.Get("If-None-Match"), res.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body, err := leaderboard.CanonicalJSON(res.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode payload")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleCompact(w http.ResponseWriter, r *http.Request) {
	seasonID, ok := seasonParam(w, r)
	if !ok {
		return
	}

	payload, err := h.leaderboards.GetCompact(r.Context(), seasonID, r.PathValue("stat"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	seasonID, ok := seasonParam(w, r)
	if !ok {
		return
	}

	id, err := h.rebuilder.ScheduleSeasonRebuild(r.Context(), seasonID)
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "rebuild queue is full")
		return
	case err != nil:
		log.Error().Err(err).Int("season_id", seasonID).Msg("Failed to schedule season rebuild")
		metrics.RecordError("api", "rebuild")
		writeError(w, http.StatusInternalServerError, "failed to schedule rebuild")
		return
	case id == "":
		writeError(w, http.StatusServiceUnavailable, "rebuilds are disabled")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	seasonID, ok := seasonParam(w, r)
	if !ok {
		return
	}

	p, err := h.progress.Get(r.Context(), leaderboard.ProgressKey(seasonID))
	if err != nil {
		log.Error().Err(err).Int("season_id", seasonID).Msg("Failed to read rebuild progress")
		writeError(w, http.StatusInternalServerError, "failed to read progress")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "no rebuild in progress")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, catalog.ErrUnknownStat) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Error().Err(err).Msg("Leaderboard lookup failed")
	metrics.RecordError("api", "lookup")
	writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
}

func seasonParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	seasonID, err := strconv.Atoi(r.PathValue("season"))
	if err != nil || seasonID < 1 {
		writeError(w, http.StatusBadRequest, "invalid season id")
		return 0, false
	}
	return seasonID, true
}

// etagMatches implements the weak comparison of If-None-Match
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if strings.Trim(candidate, `"`) == etag {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
