package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	states, err := s.sched.Statuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Status(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type startResponse struct {
	ChainID string   `json:"chain_id"`
	Planned []string `json:"planned"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	planned, err := s.sched.StartChain(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("task", name).Strs("planned", planned).Msg("chain requested over HTTP")
	writeJSON(w, http.StatusAccepted, startResponse{ChainID: s.sched.ChainID(), Planned: planned})
}

func (s *Server) resetTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sched.Reset(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.sched.Status(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type killResponse struct {
	Killed bool   `json:"killed"`
	Task   string `json:"task,omitempty"`
}

func (s *Server) kill(w http.ResponseWriter, r *http.Request) {
	active := s.sched.Active()
	writeJSON(w, http.StatusOK, killResponse{Killed: s.sched.KillActive(), Task: active})
}

func (s *Server) listPrompts(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "follow-on prompts are answered elsewhere"})
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Pending())
}

type answerRequest struct {
	ID       string   `json:"id"`
	Accepted []string `json:"accepted"`
}

func (s *Server) answerPrompt(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "follow-on prompts are answered elsewhere"})
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id is required"})
		return
	}

	if err := s.broker.Answer(req.ID, req.Accepted); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
