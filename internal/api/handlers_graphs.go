package api

import (
	"io"
	"log"
	"net/http"

	"github.com/stray/manyworlds/internal/graph"
)

// maxPlanBytes bounds the plan documents the compile endpoint accepts.
const maxPlanBytes = 1 << 20

// handleCompileGraph compiles a plan document into a graph and stores
// it. The request body is the plan JSON itself.
func (s *Server) handleCompileGraph(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to read request body")
		return
	}
	if len(body) > maxPlanBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_input", "plan document too large")
		return
	}

	g, err := graph.CompilePlan(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_plan", err.Error())
		return
	}
	if err := s.store.SaveGraph(r.Context(), g); err != nil {
		log.Printf("ERROR: save graph %s: %v", g.ID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store graph")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"graph_id":   g.ID,
		"task_count": len(g.Tasks),
		"graph":      g,
	})
}
