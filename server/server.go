package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tidbyt.dev/ovapi"
	"tidbyt.dev/ovapi/model"
)

const requestTimeout = 30 * time.Second

// Exposes a Manager over HTTP as JSON.
type Server struct {
	Manager *ovapi.Manager
	Now     func() time.Time

	router chi.Router
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Body of POST /api/monitors. Poll interval is in seconds.
type StartRequest struct {
	Name           string `json:"name"`
	Stop           string `json:"stop"`
	Direction      string `json:"direction"`
	Line           string `json:"line"`
	Destination    string `json:"destination"`
	WalkingMinutes int    `json:"walking_minutes"`
	PollInterval   int    `json:"poll_interval"`
}

type MonitorResponse struct {
	Handle  string        `json:"handle"`
	Metrics model.Metrics `json:"metrics"`
}

type SearchResponse struct {
	Query string            `json:"query"`
	City  string            `json:"city,omitempty"`
	Hits  []model.SearchHit `json:"hits"`
}

func New(manager *ovapi.Manager) *Server {
	s := &Server{
		Manager: manager,
		Now:     time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/monitors", s.listMonitors)
		r.Post("/monitors", s.startMonitor)
		r.Get("/monitors/{handle}", s.getMonitor)
		r.Delete("/monitors/{handle}", s.stopMonitor)
		r.Get("/monitors/{handle}/diagnostics", s.getDiagnostics)

		r.Get("/stops/search", s.searchStops)
		r.Get("/stops/nearby", s.nearbyStops)
		r.Get("/stops/cities", s.listCities)

		r.Get("/cache", s.cacheStatus)
		r.Post("/cache/refresh", s.refreshCache)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Writing response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: ovapi.UserMessage(err),
	})
}

func parseHandle(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	handle, err := uuid.Parse(chi.URLParam(r, "handle"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid monitor handle"})
		return uuid.Nil, false
	}
	return handle, true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":   "ok",
		"monitors": len(s.Manager.Monitors()),
	}
	if s.Manager.Cache != nil {
		resp["cache"] = s.Manager.Cache.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	now := s.Now()

	monitors := []MonitorResponse{}
	for _, handle := range s.Manager.Monitors() {
		metrics, err := s.Manager.Metrics(handle, now)
		if err != nil {
			// Stopped concurrently
			continue
		}
		monitors = append(monitors, MonitorResponse{Handle: handle.String(), Metrics: metrics})
	}

	writeJSON(w, http.StatusOK, monitors)
}

func (s *Server) startMonitor(w http.ResponseWriter, r *http.Request) {
	req := StartRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	handle, err := s.Manager.Start(ctx, ovapi.MonitorConfig{
		Name:           req.Name,
		Stop:           req.Stop,
		Direction:      req.Direction,
		Line:           req.Line,
		Destination:    req.Destination,
		WalkingMinutes: req.WalkingMinutes,
		PollInterval:   time.Duration(req.PollInterval) * time.Second,
	})
	if errors.Is(err, ovapi.ErrStopNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if errors.Is(err, ovapi.ErrDataUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	metrics, _ := s.Manager.Metrics(handle, s.Now())
	writeJSON(w, http.StatusCreated, MonitorResponse{Handle: handle.String(), Metrics: metrics})
}

func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	handle, ok := parseHandle(w, r)
	if !ok {
		return
	}

	metrics, err := s.Manager.Metrics(handle, s.Now())
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, MonitorResponse{Handle: handle.String(), Metrics: metrics})
}

func (s *Server) stopMonitor(w http.ResponseWriter, r *http.Request) {
	handle, ok := parseHandle(w, r)
	if !ok {
		return
	}

	if err := s.Manager.Stop(handle); err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getDiagnostics(w http.ResponseWriter, r *http.Request) {
	handle, ok := parseHandle(w, r)
	if !ok {
		return
	}

	diag, err := s.Manager.Diagnostics(handle, s.Now())
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, diag)
}

func (s *Server) searchStops(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	city := r.URL.Query().Get("city")

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	writeJSON(w, http.StatusOK, SearchResponse{
		Query: query,
		City:  city,
		Hits:  s.Manager.SearchInCity(ctx, query, city),
	})
}

func (s *Server) listCities(w http.ResponseWriter, r *http.Request) {
	if s.Manager.Cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no static data configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	writeJSON(w, http.StatusOK, s.Manager.Cache.Cities(ctx))
}

func (s *Server) nearbyStops(w http.ResponseWriter, r *http.Request) {
	if s.Manager.Cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no static data configured"})
		return
	}

	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid lat"})
		return
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid lon"})
		return
	}
	limit := 10
	if l := q.Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit <= 0 || limit > 100 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	writeJSON(w, http.StatusOK, s.Manager.Cache.Nearby(ctx, lat, lon, limit))
}

func (s *Server) cacheStatus(w http.ResponseWriter, r *http.Request) {
	if s.Manager.Cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no static data configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.Manager.Cache.Status())
}

func (s *Server) refreshCache(w http.ResponseWriter, r *http.Request) {
	if s.Manager.Cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no static data configured"})
		return
	}

	_, err := s.Manager.Cache.Refresh(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Refresh requested over HTTP failed")
		writeJSON(w, http.StatusServiceUnavailable, struct {
			ErrorResponse
			Cache ovapi.CacheStatus `json:"cache"`
		}{
			ErrorResponse{Error: err.Error(), Message: ovapi.UserMessage(err)},
			s.Manager.Cache.Status(),
		})
		return
	}

	writeJSON(w, http.StatusOK, s.Manager.Cache.Status())
}
