package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ──────────────────── Status API ────────────────────

// Root handles GET / with a service overview.
func (s *Server) Root(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]any{
		"status":    "ok",
		"service":   "fordward-relay",
		"robots":    s.Registry.Summaries(),
		"uiClients": s.Hub.Count(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]string{"status": "healthy"})
}

// ListRobots handles GET /robots.
func (s *Server) ListRobots(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]any{
		"robots":    s.Registry.Snapshot(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// GetRobot handles GET /robots/{robotID}.
func (s *Server) GetRobot(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")
	rec, ok := s.Registry.Get(robotID)
	if !ok {
		jsonError(w, "Robot not found", http.StatusNotFound)
		return
	}
	jsonOK(w, rec.Projection())
}
