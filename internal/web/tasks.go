package web

import (
	"net/http"
)

// handleTaskGet returns the task row.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if code := statusFor(err); code == http.StatusNotFound {
			s.jsonError(w, "task not found", code)
		} else {
			s.logger.Error(r.Context(), "task load failed", "task_id", taskID, "error", err)
			s.jsonError(w, "task unavailable", code)
		}
		return
	}
	s.jsonResponse(w, task)
}

// handleTaskStop flips the status flag. The running loop observes it at its
// next checkpoint; the response carries the row already marked stopped.
func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task, err := s.coordinator.Stop(r.Context(), taskID)
	if err != nil {
		if code := statusFor(err); code == http.StatusNotFound {
			s.jsonError(w, "task not found", code)
		} else {
			s.logger.Error(r.Context(), "task stop failed", "task_id", taskID, "error", err)
			s.jsonError(w, "task stop failed", code)
		}
		return
	}
	s.jsonResponse(w, task)
}
