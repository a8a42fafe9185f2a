package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/esup-runner/manager/pkg/auth"
	"github.com/esup-runner/manager/pkg/registry"
	"github.com/esup-runner/manager/pkg/types"
	"github.com/esup-runner/manager/pkg/version"
)

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	v, err := version.Parse(cfg.ManagerVersion)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid manager version configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": cfg.ManagerVersion,
		"version_info": map[string]int{
			"major": v.Major,
			"minor": v.Minor,
			"patch": v.Patch,
		},
	})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.Registry.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runners")
		return
	}
	staleness := time.Duration(s.Config().StalenessThresholdSeconds) * time.Second
	now := time.Now()
	out := make([]map[string]any, 0, len(runners))
	for _, rn := range runners {
		age := now.Sub(rn.LastHeartbeat)
		out = append(out, map[string]any{
			"id":             rn.ID,
			"url":            rn.URL,
			"status":         rn.Availability,
			"last_heartbeat": rn.LastHeartbeat.Format(time.RFC3339),
			"age_seconds":    age.Seconds(),
			"online":         age <= staleness,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": out})
}

func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	runnerVersion := r.Header.Get("X-Runner-Version")
	if runnerVersion == "" {
		writeError(w, http.StatusBadRequest, "X-Runner-Version header is required")
		return
	}

	rn, err := s.Registry.Register(req.ID, req.URL, req.TaskTypes, runnerVersion)
	if err != nil {
		if isVersionConflict(err) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "token": rn.Token})
}

func isVersionConflict(err error) bool {
	_, ok := err.(registry.ErrVersionConflict)
	return ok
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	presented := auth.BearerFromRequest(r)
	runnerVersion := r.Header.Get("X-Runner-Version")
	if err := s.Registry.Heartbeat(id, presented, runnerVersion); err != nil {
		switch {
		case err == registry.ErrNotFound:
			writeError(w, http.StatusNotFound, "runner not found")
		case err == registry.ErrForbidden:
			writeError(w, http.StatusForbidden, "token does not match runner")
		case isVersionConflict(err):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "heartbeat failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
