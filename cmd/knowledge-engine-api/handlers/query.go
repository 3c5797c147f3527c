package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/pkg/engine"
)

// QueryHandler exposes process_query and submit_feedback over HTTP.
type QueryHandler struct {
	logger *observability.Logger
	engine *engine.Engine
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(logger *observability.Logger, eng *engine.Engine) *QueryHandler {
	return &QueryHandler{logger: logger, engine: eng}
}

type queryRequestDTO struct {
	Question       string            `json:"question"`
	Clarifications map[string]string `json:"clarifications,omitempty"`
}

// Process handles POST /api/v1/kgs/{kgId}/query: process_query.
func (h *QueryHandler) Process(w http.ResponseWriter, r *http.Request) {
	kgID, err := uuid.Parse(pathParam(r, "kgId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid kgId")
		return
	}

	var req queryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	result, err := h.engine.ProcessQuery(r.Context(), kgID, req.Question, req.Clarifications)
	if err != nil {
		h.logger.Error().Err(err).Str("kg_id", kgID.String()).Msg("process_query failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type feedbackRequestDTO struct {
	QueryLogID string `json:"queryLogId"`
	Feedback   string `json:"feedback"`
	Rating     *int   `json:"rating,omitempty"`
}

// Feedback handles POST /api/v1/kgs/{kgId}/feedback: submit_feedback.
func (h *QueryHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	kgID, err := uuid.Parse(pathParam(r, "kgId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid kgId")
		return
	}

	var req feedbackRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	queryLogID, err := uuid.Parse(req.QueryLogID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queryLogId")
		return
	}

	result, err := h.engine.SubmitFeedback(r.Context(), kgID, queryLogID, req.Feedback, req.Rating)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}
