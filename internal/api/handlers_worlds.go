package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stray/manyworlds/internal/worlds"
)

func (s *Server) handleListBranchpoints(w http.ResponseWriter, r *http.Request) {
	bps, err := s.store.ListBranchpoints(r.Context())
	if err != nil {
		log.Printf("ERROR: list branchpoints: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list branchpoints")
		return
	}
	if bps == nil {
		bps = []worlds.Branchpoint{}
	}
	writeJSON(w, http.StatusOK, bps)
}

// handleGetBranchpoint returns a branchpoint and its worlds. The id
// "latest" resolves to the most recent branchpoint.
func (s *Server) handleGetBranchpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "branchpointID")

	var bp *worlds.Branchpoint
	var err error
	if id == "latest" {
		bp, err = s.store.LatestBranchpoint(r.Context())
	} else {
		bp, err = s.store.Branchpoint(r.Context(), id)
	}
	if err != nil {
		log.Printf("ERROR: get branchpoint %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load branchpoint")
		return
	}
	if bp == nil {
		writeError(w, http.StatusNotFound, "not_found", "branchpoint not found")
		return
	}

	list, err := s.store.WorldsForBranchpoint(r.Context(), bp.ID)
	if err != nil {
		log.Printf("ERROR: list worlds for branchpoint %s: %v", bp.ID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list worlds")
		return
	}
	if list == nil {
		list = []worlds.World{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"branchpoint": bp,
		"worlds":      list,
	})
}
