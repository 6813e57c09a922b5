// Package memory is the conversation memory engine: session identity,
// dual raw/summary turn storage, token-budgeted history retrieval, and
// durable canon knowledge (extraction, search, digest).
//
// Every operation is designed to hand its caller a usable value. LLM
// summarization falls back to truncation, structured canon extraction
// falls back to line scanning, and auto-summarization failures are
// logged, never raised. Only the persistence layer can fail a call.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roundtable-ai/roundtable/internal/cache"
	"github.com/roundtable-ai/roundtable/internal/catalog"
	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/internal/thresholds"
	"github.com/roundtable-ai/roundtable/internal/tokens"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// Completer is the one orchestrator capability the engine needs: a
// resilient single-turn completion. Kept narrow so tests can stub it and
// the engine never learns about retry ladders.
type Completer interface {
	Ask(ctx context.Context, req *models.AskRequest) (*models.AskResult, error)
}

// Engine owns conversation memory for all scopes. Safe for concurrent
// use; all mutable state lives in the store and the cache.
type Engine struct {
	store    store.Store
	cache    cache.Cache
	llm      Completer
	catalog  *catalog.Catalog
	resolver *thresholds.Resolver
	cfg      *config.Config
}

// NewEngine wires the engine. llm may be nil, in which case every LLM
// path degrades to its non-LLM fallback (truncation, line scanning).
func NewEngine(st store.Store, c cache.Cache, llm Completer, cat *catalog.Catalog, res *thresholds.Resolver, cfg *config.Config) *Engine {
	return &Engine{
		store:    st,
		cache:    c,
		llm:      llm,
		catalog:  cat,
		resolver: res,
		cfg:      cfg,
	}
}

// ── Sessions ────────────────────────────────────────────────

// ResolveSession returns the session key to use for a scope: the provided
// key if non-empty, else the scope's most recent key, else a freshly
// minted one. Resolution is idempotent: with no intervening activity,
// repeated calls return the same key.
func (e *Engine) ResolveSession(ctx context.Context, scope models.Scope, provided string) (string, error) {
	if provided != "" {
		if err := e.store.TouchSession(ctx, scope, provided); err != nil {
			return "", err
		}
		return provided, nil
	}

	key, err := e.store.LatestSessionKey(ctx, scope)
	if err == nil {
		return key, nil
	}
	if _, ok := err.(*store.ErrNotFound); !ok {
		return "", err
	}

	// First activity in this scope: mint and persist a new key.
	key = uuid.New().String()
	if err := e.store.TouchSession(ctx, scope, key); err != nil {
		return "", err
	}
	log.Debug().Str("project", scope.Project).Int("role", scope.Role).Str("session", key).Msg("Session minted")
	return key, nil
}

// ── Turn storage ────────────────────────────────────────────

// StoreOpts flags a stored turn.
type StoreOpts struct {
	IsSummary    bool
	IsMultiAgent bool
}

// StoreTurn persists one message. Raw text is stored unbounded; the
// summary companion is the raw text for short or user-sent turns and an
// LLM compression otherwise, with plain truncation as the fallback.
// Storing a conversation turn may trigger best-effort auto-summarization
// of the session (every cfg.Memory.SummaryEvery conversation turns).
func (e *Engine) StoreTurn(ctx context.Context, scope models.Scope, sessionKey, sender, text string, opts StoreOpts) (*models.Turn, error) {
	estimated := tokens.Estimate(text)

	turn := &models.Turn{
		ID:           uuid.New().String(),
		Project:      scope.Project,
		Role:         scope.Role,
		SessionKey:   sessionKey,
		Sender:       sender,
		Text:         text,
		Summary:      e.summarize(ctx, sender, text, estimated, opts),
		Tokens:       estimated,
		IsSummary:    opts.IsSummary,
		IsMultiAgent: opts.IsMultiAgent,
		CreatedAt:    time.Now().UTC(),
	}

	if err := e.store.AppendTurn(ctx, turn); err != nil {
		return nil, err
	}
	if err := e.store.TouchSession(ctx, scope, sessionKey); err != nil {
		// Recency tracking is best-effort; the turn itself is safe.
		log.Warn().Err(err).Str("session", sessionKey).Msg("Session touch failed")
	}

	if !opts.IsSummary {
		e.maybeAutoSummarize(ctx, scope, sessionKey)
	}
	return turn, nil
}

// DeleteTurn soft-deletes a stored turn.
func (e *Engine) DeleteTurn(ctx context.Context, id string) error {
	return e.store.SoftDeleteTurn(ctx, id)
}

// summarize picks the bounded companion text for a turn.
func (e *Engine) summarize(ctx context.Context, sender, text string, estimated int, opts StoreOpts) string {
	if opts.IsSummary {
		// A summary turn is already compressed.
		return text
	}
	if estimated < e.cfg.Memory.SummaryThresholdTokens || models.IsUserSender(sender) {
		return text
	}

	if e.llm != nil {
		res, err := e.llm.Ask(ctx, &models.AskRequest{
			Messages: []models.ChatMessage{{
				Role:    models.ChatRoleUser,
				Content: summaryPrompt + text,
			}},
			MaxOutputTokens: intPtr(summaryMaxTokens),
		})
		if err == nil && !res.Degraded && strings.TrimSpace(res.Text) != "" {
			return strings.TrimSpace(res.Text)
		}
		log.Warn().Err(err).Msg("Summary call failed, truncating")
	}
	return truncateText(text, summaryFallbackChars)
}

const (
	// summaryPrompt asks for the 50-100 token compression of one turn.
	summaryPrompt = "Summarize the following message in 50-100 tokens. " +
		"Keep concrete facts, decisions, and names. Reply with the summary only, plain text.\n\n"
	summaryMaxTokens = 150

	// summaryFallbackChars bounds the truncation fallback to roughly the
	// same size as an LLM summary (~100 tokens).
	summaryFallbackChars = 400

	sessionSummaryPrompt = "Condense the following conversation excerpt into one short paragraph. " +
		"Keep decisions, facts, and open questions. Reply with the summary only, plain text.\n\n"
	sessionSummaryMaxTokens = 300

	// summarySender labels auto-generated session summary turns.
	summarySender = "summary"
)

func intPtr(v int) *int { return &v }

// truncateText cuts at a rune boundary and marks the cut.
func truncateText(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + "..."
}

// maybeAutoSummarize triggers session auto-summarization when the
// conversation turn count reaches an exact multiple of the cadence.
// Best-effort: every failure is logged and swallowed.
func (e *Engine) maybeAutoSummarize(ctx context.Context, scope models.Scope, sessionKey string) {
	every := e.cfg.Memory.SummaryEvery
	if every <= 0 {
		return
	}
	count, err := e.store.CountConversationTurns(ctx, scope, sessionKey)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionKey).Msg("Turn count failed, skipping auto-summary")
		return
	}
	if count == 0 || count%every != 0 {
		return
	}
	if err := e.summarizeSession(ctx, scope, sessionKey, every); err != nil {
		log.Warn().Err(err).Str("session", sessionKey).Msg("Auto-summarization failed")
	}
}

// summarizeSession compresses the last n conversation turns into one
// summary turn.
func (e *Engine) summarizeSession(ctx context.Context, scope models.Scope, sessionKey string, n int) error {
	if e.llm == nil {
		log.Debug().Str("session", sessionKey).Msg("No summarizer wired, skipping auto-summary")
		return nil
	}

	fetched, err := e.store.RecentTurns(ctx, scope, sessionKey, e.overfetch())
	if err != nil {
		return err
	}

	// Newest-first from the store; collect the n most recent conversation
	// turns, then flip to chronological order for the prompt.
	recent := make([]models.Turn, 0, n)
	for _, t := range fetched {
		if t.IsSummary {
			continue
		}
		recent = append(recent, t)
		if len(recent) == n {
			break
		}
	}
	if len(recent) == 0 {
		return nil
	}

	var b strings.Builder
	for i := len(recent) - 1; i >= 0; i-- {
		t := recent[i]
		b.WriteString(t.Sender)
		b.WriteString(": ")
		b.WriteString(t.Summary)
		b.WriteString("\n")
	}

	res, err := e.llm.Ask(ctx, &models.AskRequest{
		Messages: []models.ChatMessage{{
			Role:    models.ChatRoleUser,
			Content: sessionSummaryPrompt + b.String(),
		}},
		MaxOutputTokens: intPtr(sessionSummaryMaxTokens),
	})
	if err != nil {
		return err
	}
	if res.Degraded || strings.TrimSpace(res.Text) == "" {
		log.Warn().Str("session", sessionKey).Msg("Auto-summary degraded, not stored")
		return nil
	}

	_, err = e.StoreTurn(ctx, scope, sessionKey, summarySender, strings.TrimSpace(res.Text), StoreOpts{IsSummary: true})
	if err == nil {
		log.Info().Str("session", sessionKey).Int("turns", len(recent)).Msg("Session auto-summarized")
	}
	return err
}

func (e *Engine) overfetch() int {
	if n := e.cfg.Memory.OverfetchRows; n > 0 {
		return n
	}
	return 200
}

// ── Retrieval ───────────────────────────────────────────────

// RetrieveOptions tunes one history retrieval.
type RetrieveOptions struct {
	// Limit caps the returned rows. Zero means no row cap beyond the
	// over-fetch buffer.
	Limit int

	// ForDisplay returns full raw text with no token trimming (UI use).
	ForDisplay bool

	// MaxTokens is the context budget for non-display retrievals. Zero
	// resolves the soft threshold for Model.
	MaxTokens int

	// Model scopes the default token budget when MaxTokens is zero.
	Model models.ModelKey
}

// RetrievedTurn is one turn as handed to callers: Text already holds
// either the raw text (display) or the summary (budgeted context), and
// Tokens is the estimate for that text.
type RetrievedTurn struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	IsSummary bool      `json:"is_summary"`
	CreatedAt time.Time `json:"created_at"`
}

// History is a retrieval result, oldest turn first.
type History struct {
	Turns       []RetrievedTurn `json:"turns"`
	TotalTokens int             `json:"total_tokens"`
}

// Messages converts the history into the normalized wire shape: user-type
// senders map to the user role, everything else to assistant.
func (h *History) Messages() []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(h.Turns))
	for _, t := range h.Turns {
		role := models.ChatRoleAssistant
		if models.IsUserSender(t.Sender) {
			role = models.ChatRoleUser
		}
		out = append(out, models.ChatMessage{Role: role, Content: t.Text})
	}
	return out
}

// Retrieve fetches session history. The store is always over-fetched by a
// fixed row buffer before any token math, so the budget decides what
// survives, not the row count. Display retrievals return raw text
// untrimmed. Budgeted retrievals return summary text, trimmed oldest
// first until the total fits MaxTokens, always keeping at least the
// newest turn even when it alone exceeds the budget.
func (e *Engine) Retrieve(ctx context.Context, scope models.Scope, sessionKey string, opts RetrieveOptions) (*History, error) {
	fetched, err := e.store.RecentTurns(ctx, scope, sessionKey, e.overfetch())
	if err != nil {
		return nil, err
	}

	// Newest-first from the store; apply the row cap there, then flip to
	// chronological order.
	if opts.Limit > 0 && len(fetched) > opts.Limit {
		fetched = fetched[:opts.Limit]
	}
	turns := make([]RetrievedTurn, 0, len(fetched))
	for i := len(fetched) - 1; i >= 0; i-- {
		t := fetched[i]
		text := t.Summary
		if opts.ForDisplay {
			text = t.Text
		}
		turns = append(turns, RetrievedTurn{
			ID:        t.ID,
			Sender:    t.Sender,
			Text:      text,
			Tokens:    tokens.Estimate(text),
			IsSummary: t.IsSummary,
			CreatedAt: t.CreatedAt,
		})
	}

	total := 0
	for _, t := range turns {
		total += t.Tokens
	}

	if !opts.ForDisplay {
		budget := opts.MaxTokens
		if budget <= 0 {
			budget = e.defaultBudget(opts.Model)
		}
		for len(turns) > 1 && total > budget {
			total -= turns[0].Tokens
			turns = turns[1:]
		}
	}

	return &History{Turns: turns, TotalTokens: total}, nil
}

// defaultBudget is the soft threshold for the target model.
func (e *Engine) defaultBudget(model models.ModelKey) int {
	var provider models.ProviderKind
	if d, err := e.catalog.ResolveOrDefault(model); err == nil {
		model, provider = d.Key, d.Provider
	}
	return e.resolver.Resolve(model, provider).Soft
}

// ── Write-back ──────────────────────────────────────────────

// RecordExchange stores a completed user/assistant exchange: the user
// turn first, then the answer under the model key as sender. Degraded
// answers are recorded too; the transcript must reflect what the caller
// saw.
func (e *Engine) RecordExchange(ctx context.Context, scope models.Scope, sessionKey, userText string, answer *models.AskResult) error {
	if _, err := e.StoreTurn(ctx, scope, sessionKey, models.SenderUser, userText, StoreOpts{}); err != nil {
		return err
	}
	_, err := e.StoreTurn(ctx, scope, sessionKey, string(answer.Model), answer.Text, StoreOpts{})
	return err
}
