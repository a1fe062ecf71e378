package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/storyweaver/internal/chat"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index   int         `json:"index"`
	Message chatMessage `json:"message"`
}

// chatResponse keeps the completion-style choices array clients of the
// original endpoint read, plus assembly diagnostics.
type chatResponse struct {
	Choices   []chatChoice     `json:"choices"`
	Model     string           `json:"model"`
	SessionID string           `json:"session_id"`
	RequestID string           `json:"request_id"`
	Context   chat.ContextInfo `json:"context"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.ObserveChat("http", "invalid_request")
		msg := err.Error()
		if errors.Is(err, errEmptyBody) {
			msg = "request body is required"
		}
		respondError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	reply, err := s.chat.Chat(r.Context(), req)
	if err != nil {
		s.metrics.ObserveChat("http", classifyError(err).Code)
		s.respondPipelineError(w, "chat", err)
		return
	}
	s.metrics.ObserveChat("http", "ok")
	respondJSON(w, http.StatusOK, chatResponse{
		Choices: []chatChoice{{
			Message: chatMessage{Role: "assistant", Content: reply.Text},
		}},
		Model:     reply.Model,
		SessionID: reply.SessionID,
		RequestID: reply.RequestID,
		Context:   reply.Context,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	out, err := s.chat.Summary(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.respondPipelineError(w, "summary", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegenerateSummary(w http.ResponseWriter, r *http.Request) {
	out, err := s.chat.RegenerateSummary(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.respondPipelineError(w, "regenerate summary", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out, err := s.chat.Stats(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.respondPipelineError(w, "stats", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	out, err := s.chat.DeleteSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.respondPipelineError(w, "delete session", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
