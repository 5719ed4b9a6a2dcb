package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/dialogos/internal/engine"
	"github.com/go-chi/chi/v5"
)

// DialogueHandler exposes the dialogue engine over HTTP.
type DialogueHandler struct {
	engine *engine.Engine
}

// NewDialogueHandler creates a new dialogue handler.
func NewDialogueHandler(eng *engine.Engine) *DialogueHandler {
	return &DialogueHandler{engine: eng}
}

// RegisterRoutes registers dialogue routes.
func (h *DialogueHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/topics/{topicID}/dialogue", func(r chi.Router) {
		r.Get("/", h.GetActive)
		r.Get("/can-start", h.CanStart)
		r.Post("/", h.Start)
	})
	r.Route("/api/dialogues/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/turns", h.RecordUserTurn)
		r.Post("/next", h.RequestNextTurn)
		r.Post("/regenerate", h.Regenerate)
		r.Post("/abandon", h.Abandon)
		r.Post("/finalize", h.Finalize)
		r.Get("/turns", h.ListTurns)
		r.Get("/insight", h.GetInsight)
	})
}

// GetActive returns the in_progress session for a topic.
func (h *DialogueHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	session, err := h.engine.GetActive(r.Context(), chi.URLParam(r, "topicID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// CanStart reports whether a new dialogue may be started for a topic.
func (h *DialogueHandler) CanStart(w http.ResponseWriter, r *http.Request) {
	ok, err := h.engine.CanStart(r.Context(), chi.URLParam(r, "topicID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"can_start": ok})
}

type startRequest struct {
	InitialPrompt string `json:"initial_prompt,omitempty"`
}

// Start creates a session and returns it with the first AI question.
func (h *DialogueHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.Start(r.Context(), chi.URLParam(r, "topicID"), req.InitialPrompt)
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusCreated, result)
}

// GetSession returns the session record.
func (h *DialogueHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.engine.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

type userTurnRequest struct {
	Content string `json:"content"`
}

// RecordUserTurn appends the user's answer for the open round.
func (h *DialogueHandler) RecordUserTurn(w http.ResponseWriter, r *http.Request) {
	var req userTurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.RecordUserTurn(r.Context(), chi.URLParam(r, "sessionID"), req.Content)
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusCreated, result)
}

// RequestNextTurn fetches and appends the next AI question.
func (h *DialogueHandler) RequestNextTurn(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.RequestNextTurn(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusCreated, result)
}

// Regenerate replaces the most recent AI question.
func (h *DialogueHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.RegenerateLastTurn(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// Abandon terminates the session.
func (h *DialogueHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	session, err := h.engine.Abandon(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

type finalizeRequest struct {
	SatisfactionScore *int `json:"satisfaction_score,omitempty"`
}

// Finalize concludes the dialogue and returns the insight.
func (h *DialogueHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	insight, err := h.engine.Finalize(r.Context(), chi.URLParam(r, "sessionID"), req.SatisfactionScore)
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, insight)
}

// ListTurns returns the transcript in sequence order.
func (h *DialogueHandler) ListTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := h.engine.Transcript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"turns": turns})
}

// GetInsight returns the stored insight for a session.
func (h *DialogueHandler) GetInsight(w http.ResponseWriter, r *http.Request) {
	insight, err := h.engine.Insight(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, insight)
}
