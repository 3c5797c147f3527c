// Package handlers provides HTTP handlers for the knowledge engine API.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/pkg/engine"
)

// KGHandler exposes connect_or_build_kg, list_kgs, and load_kg over HTTP.
type KGHandler struct {
	logger *observability.Logger
	engine *engine.Engine
}

// NewKGHandler creates a new KG handler.
func NewKGHandler(logger *observability.Logger, eng *engine.Engine) *KGHandler {
	return &KGHandler{logger: logger, engine: eng}
}

// connectRequestDTO is the request body for POST /api/v1/kgs.
type connectRequestDTO struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	Database             string `json:"database"`
	User                 string `json:"user"`
	Password             string `json:"password"`
	SchemaName           string `json:"schema,omitempty"`
	GenerateDescriptions bool   `json:"generateDescriptions"`
	GenerateEmbeddings   bool   `json:"generateEmbeddings"`
}

type kgResponseDTO struct {
	KGID        string `json:"kgId"`
	Status      string `json:"status"`
	TableCount  int    `json:"tableCount"`
	WasExisting bool   `json:"wasExisting"`
}

// Connect handles POST /api/v1/kgs: connect_or_build_kg. Progress events
// are not streamed over this synchronous request/response handler; a
// caller that wants live progress should drive the engine's Go API
// directly (e.g. via the orchestrator CLI) rather than this HTTP surface.
func (h *KGHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SchemaName == "" {
		req.SchemaName = "public"
	}

	result, err := h.engine.ConnectOrBuildKG(r.Context(), engine.ConnectionParams{
		Host:                 req.Host,
		Port:                 req.Port,
		Database:             req.Database,
		User:                 req.User,
		Password:             req.Password,
		SchemaName:           req.SchemaName,
		GenerateDescriptions: req.GenerateDescriptions,
		GenerateEmbeddings:   req.GenerateEmbeddings,
	}, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("connect_or_build_kg failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, kgResponseDTO{
		KGID:        result.KGID.String(),
		Status:      string(result.Status),
		TableCount:  result.TableCount,
		WasExisting: result.WasExisting,
	})
}

// List handles GET /api/v1/kgs: list_kgs.
func (h *KGHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.ListKGs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"kgId":              item.KGID.String(),
			"sourceFingerprint": item.SourceFingerprint,
			"status":            item.Status,
			"version":           item.Version,
			"createdAt":         item.CreatedAt,
			"lastUpdated":       item.LastUpdated,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Load handles GET /api/v1/kgs/{kgId}: load_kg.
func (h *KGHandler) Load(w http.ResponseWriter, r *http.Request) {
	kgID, err := uuid.Parse(pathParam(r, "kgId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid kgId")
		return
	}

	result, err := h.engine.LoadKG(r.Context(), kgID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, kgResponseDTO{
		KGID:       result.KGID.String(),
		Status:     string(result.Status),
		TableCount: result.TableCount,
	})
}
