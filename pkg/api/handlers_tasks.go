package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"github.com/esup-runner/manager/pkg/admission"
	"github.com/esup-runner/manager/pkg/auth"
	"github.com/esup-runner/manager/pkg/metrics"
	"github.com/esup-runner/manager/pkg/notify"
	"github.com/esup-runner/manager/pkg/priorities"
	"github.com/esup-runner/manager/pkg/types"
)

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req types.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	taskID, err := s.Admission.SubmitTask(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrNoRunnersAvailable):
			metrics.TasksRejectedTotal.WithLabelValues("no_runners_available").Inc()
			writeError(w, http.StatusServiceUnavailable, "no_runners_available")
		case errors.As(err, new(priorities.ErrQuotaExceeded)):
			metrics.TasksRejectedTotal.WithLabelValues("quota_exceeded").Inc()
			writeError(w, http.StatusServiceUnavailable, "priority quota exceeded")
		default:
			metrics.TasksRejectedTotal.WithLabelValues("invalid_request").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	metrics.TasksSubmittedTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, ok := s.Store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Store.Snapshot())
}

func (s *Server) handleListTasksSummary(w http.ResponseWriter, r *http.Request) {
	tasks := s.Store.Snapshot()
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"id":        t.TaskID,
			"runner_id": t.RunnerID,
			"status":    t.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleTaskResultManifest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, ok := s.Store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Status.IsTerminal() {
		writeError(w, http.StatusTooEarly, "task result not ready")
		return
	}

	if s.ResultDir != "" {
		dir := filepath.Join(s.ResultDir, id)
		entries, err := os.ReadDir(dir)
		if err == nil {
			manifest := types.TaskResultManifest{TaskID: id}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				info, err := e.Info()
				if err != nil {
					continue
				}
				manifest.Files = append(manifest.Files, types.ResultFile{Path: e.Name(), Size: info.Size()})
			}
			writeJSON(w, http.StatusOK, manifest)
			return
		}
	}

	s.proxyToRunner(w, r, task, "/task/result/"+id)
}

func (s *Server) handleTaskResultFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	path := vars["path"]

	if strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "path traversal rejected")
		return
	}

	task, ok := s.Store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if s.ResultDir != "" {
		full := filepath.Join(s.ResultDir, id, path)
		if !strings.HasPrefix(full, filepath.Join(s.ResultDir, id)+string(filepath.Separator)) {
			writeError(w, http.StatusBadRequest, "path escapes task output subtree")
			return
		}
		f, err := os.Open(full)
		if err == nil {
			defer f.Close()
			io.Copy(w, f)
			return
		}
	}

	s.proxyToRunner(w, r, task, "/task/result/"+id+"/file/"+path)
}

// proxyToRunner streams a GET against the assigned runner's matching path
// when no local result mount has the file.
func (s *Server) proxyToRunner(w http.ResponseWriter, r *http.Request, task *types.Task, path string) {
	runner, err := s.Registry.Get(task.RunnerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "runner for task no longer registered")
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, runner.URL+path, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build proxy request")
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "runner unavailable")
		return
	}
	defer resp.Body.Close()
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (s *Server) handleTaskCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.TaskCompletionNotification
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	runnerAuth := auth.BearerFromRequest(r)
	err := s.Notify.TaskCompletion(r.Context(), runnerAuth, req.TaskID, req.Status, req.Error, req.ScriptOutput)
	if err != nil {
		switch {
		case errors.Is(err, notify.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, notify.ErrForbidden):
			writeError(w, http.StatusForbidden, "runner auth does not match assigned runner")
		default:
			writeError(w, http.StatusInternalServerError, "completion processing failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
