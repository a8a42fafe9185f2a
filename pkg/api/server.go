// Package api is the manager's HTTP transport layer: routing, auth/CORS/
// rate-limit middleware, and the handlers implementing the external
// interface table.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/esup-runner/manager/pkg/admission"
	"github.com/esup-runner/manager/pkg/auth"
	"github.com/esup-runner/manager/pkg/config"
	"github.com/esup-runner/manager/pkg/metrics"
	"github.com/esup-runner/manager/pkg/notify"
	"github.com/esup-runner/manager/pkg/priorities"
	"github.com/esup-runner/manager/pkg/ratelimit"
	"github.com/esup-runner/manager/pkg/registry"
	"github.com/esup-runner/manager/pkg/taskstore"
)

// Server holds every handle the HTTP handlers need. Config, Tokens and
// Admins are held behind atomic pointers since SIGHUP replaces them wholesale
// from a goroutine that races with request handling; every other field is
// a stateful component wired once at startup and never swapped in place.
type Server struct {
	cfg    atomic.Pointer[config.Config]
	tokens atomic.Pointer[auth.TokenVerifier]
	admins atomic.Pointer[auth.AdminVerifier]

	Registry  *registry.Registry
	Store     *taskstore.Store
	Admission *admission.Service
	Notify    *notify.Engine
	Gate      *priorities.Gate
	Limiter   *ratelimit.Limiter
	StartedAt time.Time
	ResultDir string // shared storage mount for direct result serving; empty disables it
}

// NewServer builds a Server with its initial config and credential sets.
func NewServer(cfg *config.Config, tokens *auth.TokenVerifier, admins *auth.AdminVerifier) *Server {
	s := &Server{StartedAt: time.Now()}
	s.cfg.Store(cfg)
	s.tokens.Store(tokens)
	s.admins.Store(admins)
	return s
}

// Config returns the currently active configuration snapshot.
func (s *Server) Config() *config.Config {
	return s.cfg.Load()
}

// SetConfig hot-swaps the configuration, e.g. on SIGHUP.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

// SetAuth hot-swaps the bearer-token and admin credential sets, e.g. on
// SIGHUP after AUTHORIZED_TOKENS__*/ADMIN_USERS__* entries change.
func (s *Server) SetAuth(tokens *auth.TokenVerifier, admins *auth.AdminVerifier) {
	s.tokens.Store(tokens)
	s.admins.Store(admins)
}

// Router builds the full mux, with rate limiting applied globally and
// bearer-token auth applied to every path except "/", "/manager/health" and
// "/metrics".
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/manager/health", s.handleManagerHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)

	authed.HandleFunc("/api/version", s.handleVersion).Methods(http.MethodGet)
	authed.HandleFunc("/api/runners", s.handleListRunners).Methods(http.MethodGet)
	authed.HandleFunc("/api/tasks", s.handleListTasksSummary).Methods(http.MethodGet)

	authed.HandleFunc("/runner/register", s.handleRegisterRunner).Methods(http.MethodPost)
	authed.HandleFunc("/runner/heartbeat/{id}", s.handleHeartbeat).Methods(http.MethodPost)

	authed.HandleFunc("/task/execute", s.handleSubmitTask).Methods(http.MethodPost)
	authed.HandleFunc("/task/status/{id}", s.handleTaskStatus).Methods(http.MethodGet)
	authed.HandleFunc("/task/list", s.handleTaskList).Methods(http.MethodGet)
	authed.HandleFunc("/task/result/{id}", s.handleTaskResultManifest).Methods(http.MethodGet)
	authed.HandleFunc("/task/result/{id}/file/{path:.*}", s.handleTaskResultFile).Methods(http.MethodGet)
	authed.HandleFunc("/task/completion", s.handleTaskCompletion).Methods(http.MethodPost)

	var handler http.Handler = r
	handler = s.corsMiddleware(handler)
	handler = s.metricsMiddleware(handler)
	handler = s.Limiter.Middleware(handler)
	return handler
}

// metricsMiddleware records every request's method, status code, and
// duration to the manager_api_request_* metrics.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerFromRequest(r)
		if !s.tokens.Load().Verify(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.Config()
		origin := r.Header.Get("Origin")
		if origin != "" && corsOriginAllowed(cfg.CORSAllowOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if cfg.CORSAllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", joinCSV(cfg.CORSAllowMethods))
			w.Header().Set("Access-Control-Allow-Headers", joinCSV(cfg.CORSAllowHeaders))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsOriginAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func joinCSV(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
