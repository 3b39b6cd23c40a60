// Package health exposes liveness and schedule cache status over HTTP.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/domain/schedule"
)

type Handler struct {
	cache  schedule.Cache
	logger zerolog.Logger
	now    func() time.Time
}

func NewHandler(cache schedule.Cache, logger zerolog.Logger) *Handler {
	return &Handler{cache: cache, logger: logger, now: time.Now}
}

func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.Healthz)
	r.Get("/cache", h.CacheStatus)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		problem(w, r, http.StatusNotFound, "not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		problem(w, r, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := h.now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", h.now().Sub(start)).
			Msg("http")
	})
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type cacheStatus struct {
	UpdatedAt  time.Time      `json:"updated_at"`
	AgeSeconds int64          `json:"age_seconds"`
	ClubID     string         `json:"club_id"`
	Directions map[string]int `json:"directions"`
	Total      int            `json:"total"`
}

func (h *Handler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.cache.Load()
	switch {
	case errors.Is(err, schedule.ErrNoSnapshot):
		problem(w, r, http.StatusNotFound, "schedule snapshot not found", err)
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("load schedule snapshot")
		problem(w, r, http.StatusInternalServerError, "schedule snapshot unreadable", err)
		return
	}

	out := cacheStatus{
		UpdatedAt:  snap.UpdatedAt,
		AgeSeconds: int64(snap.Age(h.now()).Seconds()),
		ClubID:     snap.ClubID,
		Directions: make(map[string]int, len(snap.Data)),
	}
	keys := make([]string, 0, len(snap.Data))
	for k := range snap.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Directions[k] = len(snap.Data[k])
		out.Total += len(snap.Data[k])
	}
	writeJSON(w, http.StatusOK, out)
}

// problem writes an RFC 7807 body.
func problem(w http.ResponseWriter, r *http.Request, status int, title string, err error) {
	body := map[string]any{
		"type":     "urn:problem:" + http.StatusText(status),
		"title":    title,
		"status":   status,
		"instance": r.URL.Path,
	}
	if err != nil {
		body["detail"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
