// Package api exposes the operator control surface over HTTP. Every
// mutation goes through the same controller the in-process run uses,
// so pause/resume/stop land on live processes, and reads come straight
// from the store.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stray/manyworlds/internal/graph"
	"github.com/stray/manyworlds/internal/persistence"
	"github.com/stray/manyworlds/internal/runtime"
	"github.com/stray/manyworlds/internal/scheduler"
)

// RunStarter launches a run for a compiled graph and returns its run id
// immediately; the run proceeds in the background. The serve command
// provides one wired to the scheduler and world executor.
type RunStarter interface {
	StartRun(g *graph.Graph, opts scheduler.Options) (string, error)
}

// Server holds the HTTP API state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *persistence.Store
	controller *runtime.Controller
	starter    RunStarter
	authToken  string
}

// NewServer constructs the HTTP API server. The starter is optional;
// without one, POST /runs responds 503.
func NewServer(addr, authToken string, store *persistence.Store, controller *runtime.Controller, starter RunStarter) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		store:      store,
		controller: controller,
		starter:    starter,
		authToken:  authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests and blocks until the listener
// closes.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Post("/pause", s.handleTaskAction(runtime.ActionPause))
			r.Post("/resume", s.handleTaskAction(runtime.ActionResume))
			r.Post("/stop", s.handleTaskAction(runtime.ActionStop))
			r.Post("/steer", s.handleSteer)
			r.Get("/control", s.handleGetControl)
			r.Get("/steering", s.handleListSteering)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleStartRun)
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/events", s.handleRunEvents)
		})

		r.Post("/graphs", s.handleCompileGraph)

		r.Route("/branchpoints", func(r chi.Router) {
			r.Get("/", s.handleListBranchpoints)
			r.Get("/{branchpointID}", s.handleGetBranchpoint)
		})
	})
}

// AuthMiddleware requires the configured token as a bearer token, or
// as a ?token= query parameter for quick manual checks.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if qToken := r.URL.Query().Get("token"); qToken == token {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") && authHeader[7:] == token {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		})
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
