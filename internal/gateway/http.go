package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/pkg/e"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server is the HTTP surface: the websocket upgrade endpoint plus a small
// read-only API for health checks and request inspection.
type Server struct {
	manager   *ConnectionManager
	lifecycle Lifecycle
	checks    []HealthCheck
}

func NewServer(manager *ConnectionManager, lifecycle Lifecycle, checks ...HealthCheck) *Server {
	return &Server{manager: manager, lifecycle: lifecycle, checks: checks}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebsocket)
	r.Get("/healthz", s.handleHealth)
	r.Get("/requests/{id}", s.handleGetRequest)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "missing or invalid user_id", http.StatusBadRequest)
		return
	}
	if err := s.manager.UpgradeConnection(w, r, userID); err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			deps[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[check.Name] = "ok"
	}

	body := map[string]any{
		"status":      "ok",
		"connections": s.manager.Stats(),
		"deps":        deps,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request id"})
		return
	}

	req, err := s.lifecycle.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, e.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
			return
		}
		log.Error().Err(err).Str("request_id", id.String()).Msg("failed to load request")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
