package api

import (
	"net/http"
	"time"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "esup-runner manager",
		"version": s.Config().ManagerVersion,
	})
}

func (s *Server) handleManagerHealth(w http.ResponseWriter, r *http.Request) {
	runners, _ := s.Registry.List()
	tasks := s.Store.Snapshot()

	body := map[string]any{
		"status":    "healthy",
		"runners":   len(runners),
		"tasks":     len(tasks),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if info, err := s.Store.StorageInfo(); err == nil {
		body["storage"] = info
	}
	writeJSON(w, http.StatusOK, body)
}
