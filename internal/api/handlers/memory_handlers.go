package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roundtable-ai/roundtable/internal/api/middleware"
	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/pkg/contracts"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ResolveSession handles POST /api/v1/sessions/resolve
//
// Returns the session key the caller's scope should continue under: the
// provided key, else the scope's most recent, else a freshly minted one.
func (h *Handlers) ResolveSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"session_key"`
		Project    string `json:"project"`
		Role       int    `json:"role"`
	}
	// Body is optional; resolving with no key continues the latest session.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	scope := requestScope(r, req.Project, req.Role)
	key, err := h.Memory.ResolveSession(r.Context(), scope, req.SessionKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_key": key,
		"project":     scope.Project,
		"role":        scope.Role,
	})
}

// ListTurns handles GET /api/v1/sessions/{sessionKey}/turns
//
// Default is the display view: full raw text, no token trimming. Passing
// display=false returns the budgeted context view instead, shaped by the
// optional max_tokens and model parameters.
func (h *Handlers) ListTurns(w http.ResponseWriter, r *http.Request) {
	sessionKey := chi.URLParam(r, "sessionKey")
	scope := middleware.GetScope(r.Context())

	opts := contracts.RetrieveOptions{
		Limit:      queryInt(r, "limit", 0),
		ForDisplay: r.URL.Query().Get("display") != "false",
		MaxTokens:  queryInt(r, "max_tokens", 0),
		Model:      models.ModelKey(r.URL.Query().Get("model")),
	}

	history, err := h.Memory.Retrieve(r.Context(), scope, sessionKey, opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, history)
}

// ══════════════════════════════════════════════════════════════
// ── Turn Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// CreateTurn handles POST /api/v1/turns
func (h *Handlers) CreateTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey   string `json:"session_key"`
		Sender       string `json:"sender"`
		Text         string `json:"text"`
		IsSummary    bool   `json:"is_summary"`
		IsMultiAgent bool   `json:"is_multi_agent"`
		Project      string `json:"project"`
		Role         int    `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionKey == "" || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "Request must include 'session_key' and a non-empty 'text' field")
		return
	}
	if req.Sender == "" {
		req.Sender = models.SenderUser
	}

	scope := requestScope(r, req.Project, req.Role)
	turn, err := h.Memory.StoreTurn(r.Context(), scope, req.SessionKey, req.Sender, req.Text, contracts.StoreOpts{
		IsSummary:    req.IsSummary,
		IsMultiAgent: req.IsMultiAgent,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, turn)
}

// DeleteTurn handles DELETE /api/v1/turns/{turnId}
func (h *Handlers) DeleteTurn(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnId")

	if err := h.Memory.DeleteTurn(r.Context(), turnID); err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Canon Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ExtractCanon handles POST /api/v1/canon/extract
func (h *Handlers) ExtractCanon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text    string `json:"text"`
		Project string `json:"project"`
		Role    int    `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "Request must include a non-empty 'text' field")
		return
	}

	scope := requestScope(r, req.Project, req.Role)
	items, err := h.Memory.ExtractCanon(r.Context(), scope, req.Text)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.CanonItem{}
	}
	respondJSON(w, http.StatusCreated, items)
}

// SearchCanon handles GET /api/v1/canon/search
func (h *Handlers) SearchCanon(w http.ResponseWriter, r *http.Request) {
	scope := middleware.GetScope(r.Context())

	items, err := h.Memory.SearchCanon(r.Context(), scope, canonQuery(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.CanonItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

// CanonDigest handles GET /api/v1/canon/digest
func (h *Handlers) CanonDigest(w http.ResponseWriter, r *http.Request) {
	scope := middleware.GetScope(r.Context())

	digest, err := h.Memory.CanonDigest(r.Context(), scope, canonQuery(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, digest)
}

// DeactivateCanon handles DELETE /api/v1/canon/{canonId}
func (h *Handlers) DeactivateCanon(w http.ResponseWriter, r *http.Request) {
	canonID := chi.URLParam(r, "canonId")

	if err := h.Memory.DeactivateCanon(r.Context(), canonID); err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// canonQuery builds the engine query from request parameters: q holds
// space-separated terms, type repeats per allowed type, plus top_k and
// include_global.
func canonQuery(r *http.Request) contracts.CanonQuery {
	params := r.URL.Query()
	q := contracts.CanonQuery{
		Terms:         strings.Fields(params.Get("q")),
		TopK:          queryInt(r, "top_k", 0),
		IncludeGlobal: params.Get("include_global") == "true",
	}
	for _, t := range params["type"] {
		q.Types = append(q.Types, models.CanonType(t))
	}
	return q
}
