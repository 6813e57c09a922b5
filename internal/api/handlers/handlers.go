// Package handlers implements the HTTP handlers for the roundtable API.
// Every handler resolves its scope from the request context (set by the
// scope middleware), delegates to an engine through its contracts
// interface, and maps store misses to 404s. Engines own all retry and
// degradation behavior; handlers only translate HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/roundtable-ai/roundtable/internal/api/middleware"
	"github.com/roundtable-ai/roundtable/internal/catalog"
	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/internal/providers"
	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/pkg/contracts"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator contracts.OrchestratorService
	Memory       contracts.MemoryService
	Debate       contracts.DebateService
	Catalog      *catalog.Catalog
	Registry     *providers.Registry
	Cfg          *config.Config
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, orch contracts.OrchestratorService, mem contracts.MemoryService, deb contracts.DebateService, cat *catalog.Catalog, reg *providers.Registry, cfg *config.Config) *Handlers {
	return &Handlers{
		Store:        s,
		Orchestrator: orch,
		Memory:       mem,
		Debate:       deb,
		Catalog:      cat,
		Registry:     reg,
		Cfg:          cfg,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Ask Handlers ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Ask handles POST /api/v1/ask
func (h *Handlers) Ask(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "Request must include at least one message")
		return
	}

	scope := requestScope(r, req.Project, req.Role)
	req.Project, req.Role = scope.Project, scope.Role

	res, err := h.Orchestrator.Ask(r.Context(), &req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.SessionKey != "" {
		h.recordExchange(r, scope, req.SessionKey, lastUserText(req.Messages), res)
	}
	respondJSON(w, http.StatusOK, res)
}

// AskAll handles POST /api/v1/ask/all
func (h *Handlers) AskAll(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "Request must include at least one message")
		return
	}

	scope := requestScope(r, req.Project, req.Role)
	req.Project, req.Role = scope.Project, scope.Role

	res, err := h.Orchestrator.AskAll(r.Context(), &req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.SessionKey != "" && res.Combined != nil {
		h.recordExchange(r, scope, req.SessionKey, lastUserText(req.Messages), res.Combined)
	}
	respondJSON(w, http.StatusOK, res)
}

// recordExchange writes a completed exchange back into conversation
// memory. The answer was already computed, so a failed write must not
// fail the call.
func (h *Handlers) recordExchange(r *http.Request, scope models.Scope, sessionKey, userText string, res *models.AskResult) {
	if err := h.Memory.RecordExchange(r.Context(), scope, sessionKey, userText, res); err != nil {
		log.Warn().Err(err).Str("session", sessionKey).Msg("Exchange write-back failed")
	}
}

// ══════════════════════════════════════════════════════════════
// ── Debate Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// CreateDebate handles POST /api/v1/debates
func (h *Handlers) CreateDebate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDebateRequest(w, r)
	if !ok {
		return
	}

	run, err := h.Debate.RunDebate(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

// CreatePipeline handles POST /api/v1/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDebateRequest(w, r)
	if !ok {
		return
	}

	run, err := h.Debate.RunPipeline(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

// decodeDebateRequest parses and validates the shared debate/pipeline
// body, folding the context scope into it. A false return means the
// response was already written.
func decodeDebateRequest(w http.ResponseWriter, r *http.Request) (*contracts.DebateRequest, bool) {
	var req contracts.DebateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if strings.TrimSpace(req.Topic) == "" {
		respondError(w, http.StatusBadRequest, "Request must include a non-empty 'topic' field")
		return nil, false
	}

	scope := requestScope(r, req.Project, req.Role)
	req.Project, req.Role = scope.Project, scope.Role
	return &req, true
}

// ListDebates handles GET /api/v1/debates
func (h *Handlers) ListDebates(w http.ResponseWriter, r *http.Request) {
	scope := middleware.GetScope(r.Context())

	runs, err := h.Store.ListDebates(r.Context(), scope.Project, queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.DebateRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

// GetDebate handles GET /api/v1/debates/{debateId}
func (h *Handlers) GetDebate(w http.ResponseWriter, r *http.Request) {
	debateID := chi.URLParam(r, "debateId")

	run, err := h.Store.GetDebate(r.Context(), debateID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ══════════════════════════════════════════════════════════════
// ── Catalog / Provider / Audit Handlers ──────────────────────
// ══════════════════════════════════════════════════════════════

// ListModels handles GET /api/v1/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"default_model": h.Catalog.DefaultKey(),
		"models":        h.Catalog.List(),
	})
}

// ProvidersHealth handles GET /api/v1/providers/health
func (h *Handlers) ProvidersHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.HealthCheck(r.Context()))
}

// ListAudits handles GET /api/v1/audits
func (h *Handlers) ListAudits(w http.ResponseWriter, r *http.Request) {
	scope := middleware.GetScope(r.Context())

	events, err := h.Store.ListAuditEvents(r.Context(), scope.Project, queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// requestScope merges the context scope with explicit body overrides.
// A request body naming a project or role wins over the headers.
func requestScope(r *http.Request, project string, role int) models.Scope {
	scope := middleware.GetScope(r.Context())
	if project != "" {
		scope.Project = project
	}
	if role > 0 {
		scope.Role = role
	}
	return scope
}

// lastUserText returns the content of the newest user message, falling
// back to the last message of any role.
func lastUserText(msgs []models.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.ChatRoleUser {
			return msgs[i].Content
		}
	}
	if len(msgs) > 0 {
		return msgs[len(msgs)-1].Content
	}
	return ""
}

// queryInt parses a positive integer query parameter, returning def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
