package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stray/manyworlds/internal/runtime"
)

type steerRequest struct {
	Comment     string `json:"comment"`
	PromptPatch string `json:"prompt_patch"`
	Author      string `json:"author"`
}

func (s *Server) handleTaskAction(action runtime.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		result, err := s.controller.ApplyTaskAction(r.Context(), taskID, action)
		if err != nil {
			log.Printf("ERROR: %s task %s: %v", action, taskID, err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req steerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Comment) == "" && strings.TrimSpace(req.PromptPatch) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "comment or prompt_patch is required")
		return
	}

	sc, err := s.controller.AddSteering(r.Context(), taskID, req.Author, req.Comment, req.PromptPatch)
	if err != nil {
		log.Printf("ERROR: steer task %s: %v", taskID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save steering comment")
		return
	}
	_, total, err := s.controller.Steering(r.Context(), taskID, 1)
	if err != nil {
		log.Printf("WARNING: count steering for task %s: %v", taskID, err)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"steering_id": sc.ID,
		"total":       total,
	})
}

func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	control, err := s.controller.Control(r.Context(), taskID)
	if err != nil {
		log.Printf("ERROR: load control for task %s: %v", taskID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load control")
		return
	}
	writeJSON(w, http.StatusOK, control)
}

func (s *Server) handleListSteering(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)

	comments, total, err := s.controller.Steering(r.Context(), taskID, limit)
	if err != nil {
		log.Printf("ERROR: list steering for task %s: %v", taskID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list steering comments")
		return
	}
	if comments == nil {
		comments = []runtime.SteeringComment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"comments": comments,
		"total":    total,
	})
}
