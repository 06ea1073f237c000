package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stray/manyworlds/internal/events"
	"github.com/stray/manyworlds/internal/persistence"
	"github.com/stray/manyworlds/internal/scheduler"
)

type startRunRequest struct {
	GraphID           string `json:"graph_id"`
	MaxParallelAgents int    `json:"max_parallel_agents"`
	RetryLimit        int    `json:"retry_limit"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		log.Printf("ERROR: list runs: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	if runs == nil {
		runs = []persistence.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.Run(r.Context(), runID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			log.Printf("ERROR: get run %s: %v", runID, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents replays the durable event log with offset polling:
// pass the last seen event_id as ?after and poll again for more.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.Run(r.Context(), runID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			log.Printf("ERROR: get run %s for events: %v", runID, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}

	after := int64(parseIntDefault(r.URL.Query().Get("after"), 0))
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)

	evs, err := s.store.EventsSince(r.Context(), runID, after, limit)
	if err != nil {
		log.Printf("ERROR: replay events for run %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to replay events")
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"events": evs,
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.starter == nil {
		writeError(w, http.StatusServiceUnavailable, "not_supported", "run starting is not enabled on this server")
		return
	}

	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.GraphID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "graph_id is required")
		return
	}

	g, err := s.store.Graph(r.Context(), req.GraphID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "graph not found")
		} else {
			log.Printf("ERROR: load graph %s: %v", req.GraphID, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load graph")
		}
		return
	}

	runID, err := s.starter.StartRun(g, scheduler.Options{
		MaxParallelAgents: req.MaxParallelAgents,
		RetryLimit:        req.RetryLimit,
	})
	if err != nil {
		log.Printf("ERROR: start run for graph %s: %v", req.GraphID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}
