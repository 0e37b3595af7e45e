package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/flagrace/internal/sandbox"
	"github.com/me/flagrace/pkg/model"
)

// taskID parses the {id} URL parameter. A response has already been written
// when ok is false.
func (s *Server) taskID(w http.ResponseWriter, r *http.Request, reqID string) (int, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			&model.APIError{Code: model.ErrValidation, Message: "task id must be an integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := s.taskID(w, r, reqID)
	if !ok {
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", strconv.Itoa(id)))
		return
	}
	respondOK(w, reqID, task)
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := s.taskID(w, r, reqID)
	if !ok {
		return
	}

	rounds, err := s.store.ListRounds(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, rounds)
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := s.taskID(w, r, reqID)
	if !ok {
		return
	}

	candidates, err := s.store.ListCandidates(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, candidates)
}

// handleGetWriteup serves a solved task's deliverable straight from the task
// directory, where the markers are authoritative.
func (s *Server) handleGetWriteup(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := s.taskID(w, r, reqID)
	if !ok {
		return
	}

	path := filepath.Join(s.dirs.Dir(id), sandbox.WriteupDir, sandbox.WriteupFile)
	data, err := os.ReadFile(path)
	if err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("writeup for task", strconv.Itoa(id)))
		return
	}

	respondOK(w, reqID, map[string]any{
		"task_id": id,
		"flag":    s.dirs.SolvedFlag(id),
		"writeup": string(data),
	})
}
