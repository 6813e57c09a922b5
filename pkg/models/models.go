package models

import (
	"strings"
	"time"
)

// ── Providers & Models ───────────────────────────────────────

// ProviderKind identifies an LLM back-end family. The set is closed:
// every switch over ProviderKind must handle all three and treat anything
// else as a configuration error.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOllama    ProviderKind = "ollama"
)

// Known returns true for one of the three supported provider kinds.
func (p ProviderKind) Known() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		return true
	}
	return false
}

// ModelKey is the logical name callers use to pick a model. It is decoupled
// from the underlying provider model name (which may carry date suffixes).
type ModelKey string

// Built-in logical model keys. The catalog seeds descriptors for all of
// these; deployments can overlay more via the catalog file.
const (
	ModelGPT5         ModelKey = "gpt-5"
	ModelGPT5Mini     ModelKey = "gpt-5-mini"
	ModelGPT4o        ModelKey = "gpt-4o"
	ModelGPT4oMini    ModelKey = "gpt-4o-mini"
	ModelClaudeOpus   ModelKey = "claude-opus"
	ModelClaudeSonnet ModelKey = "claude-sonnet"
	ModelClaudeHaiku  ModelKey = "claude-haiku"
	ModelLlama        ModelKey = "llama3.2"
)

// ModelDescriptor is one immutable catalog entry: everything the
// orchestrator needs to call the model behind a logical key.
type ModelDescriptor struct {
	Key       ModelKey     `json:"key"`
	Provider  ProviderKind `json:"provider"`
	ModelName string       `json:"model_name"`

	// DefaultTemperature is nil for reasoning families, whose APIs reject
	// or ignore the parameter. A nil value means "omit from the wire call".
	DefaultTemperature *float64 `json:"default_temperature,omitempty"`

	// MaxOutputTokens is the output ceiling applied when the caller does
	// not supply an explicit one.
	MaxOutputTokens int `json:"max_output_tokens"`

	// OutputCostPer1K is the estimated USD cost per 1K output tokens,
	// used for debate cost accounting.
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
}

// Reasoning reports whether the underlying model belongs to a reasoning
// family, identified by name pattern. Reasoning models get no temperature.
func (d *ModelDescriptor) Reasoning() bool {
	return IsReasoningModel(d.ModelName)
}

// IsReasoningModel is the name-pattern check for reasoning families.
func IsReasoningModel(name string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5", "deepseek-r"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ── Chat Turns (wire shape) ──────────────────────────────────

// Chat roles accepted by every provider adapter.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleSystem    = "system"
)

// ChatMessage is one normalized turn handed to a provider adapter.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ── Ask (single-turn orchestration) ──────────────────────────

// AskRequest is the orchestrator's input contract.
type AskRequest struct {
	Messages     []ChatMessage `json:"messages"`
	Model        ModelKey      `json:"model,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`

	// Temperature overrides the descriptor default when non-nil. It is
	// dropped entirely for reasoning models when the omit flag is on.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxOutputTokens overrides the descriptor ceiling when non-nil.
	MaxOutputTokens *int `json:"max_output_tokens,omitempty"`

	// FallbackModel overrides the provider's configured fallback model
	// for this one call. Empty uses the configured chain.
	FallbackModel ModelKey `json:"fallback_model,omitempty"`

	// APIKey optionally overrides the configured provider credential
	// for this one call.
	APIKey string `json:"api_key,omitempty"`

	// Project/Session let the handler layer write results back through
	// conversation memory; the orchestrator itself ignores them.
	Project    string `json:"project,omitempty"`
	Role       int    `json:"role,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// AskResult is the orchestrator's output. Degraded results still carry
// usable text (the provider-labeled sentinel); the caller never sees a
// bare failure for anything short of catalog misconfiguration.
type AskResult struct {
	Text     string       `json:"text"`
	Model    ModelKey     `json:"model"`
	Provider ProviderKind `json:"provider"`

	// Attempts counts underlying provider calls made (1..3).
	Attempts int `json:"attempts"`

	// Degraded is true when every recovery attempt was exhausted and
	// Text holds the guarded sentinel instead of model output.
	Degraded bool `json:"degraded"`

	Usage      TokenUsage `json:"usage"`
	DurationMs int64      `json:"duration_ms"`
}

// ProviderAnswer is one provider's contribution to an ask-all run.
type ProviderAnswer struct {
	Provider ProviderKind `json:"provider"`
	Model    ModelKey     `json:"model"`
	Result   *AskResult   `json:"result"`
}

// AskAllResult carries the per-provider answers plus the combining summary.
type AskAllResult struct {
	Answers  []ProviderAnswer `json:"answers"`
	Combined *AskResult       `json:"combined"`
}

// TokenUsage tracks token consumption for a single call.
type TokenUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

// ── Conversation Turns (stored shape) ────────────────────────

// SenderUser is the canonical user-type sender. Assistant turns carry the
// logical model key as their sender; multi-agent turns a role label.
const SenderUser = "user"

// IsUserSender reports whether a sender counts as user-type for
// summarization purposes (user text is never LLM-compressed).
func IsUserSender(sender string) bool {
	return sender == SenderUser || strings.HasPrefix(sender, "user:")
}

// Turn is one stored conversation message. Logically append-only: raw text
// is never truncated and turns are never mutated; deletion sets a flag.
type Turn struct {
	ID         string `json:"id"`
	Project    string `json:"project"`
	Role       int    `json:"role,omitempty"`
	SessionKey string `json:"session_key"`
	Sender     string `json:"sender"`

	// Text is the unbounded raw content.
	Text string `json:"text"`

	// Summary is the bounded companion: equal to Text for short or
	// user-sent turns, otherwise an LLM compression (or a truncation
	// when the compression call failed).
	Summary string `json:"summary"`

	Tokens       int  `json:"tokens"`
	IsSummary    bool `json:"is_summary"`
	IsMultiAgent bool `json:"is_multi_agent"`
	Deleted      bool `json:"deleted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Scope identifies the (project, role) pair a session lives in. Role 0
// means "no role", the global scope.
type Scope struct {
	Project string `json:"project"`
	Role    int    `json:"role,omitempty"`
}

// Session pins the active session key for a scope. Persisting it keeps
// session resolution idempotent: resolving twice with no intervening
// activity returns the same key.
type Session struct {
	Project   string    `json:"project"`
	Role      int       `json:"role,omitempty"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Canon Memory ─────────────────────────────────────────────

// CanonType classifies a durable knowledge item. Closed set; extraction
// discards anything outside it.
type CanonType string

const (
	CanonADR       CanonType = "ADR"
	CanonChangelog CanonType = "CHANGELOG"
	CanonBacklog   CanonType = "BACKLOG"
	CanonGlossary  CanonType = "GLOSSARY"
	CanonPMD       CanonType = "PMD"
)

// CanonTypes lists every allowed canon type, in display order.
var CanonTypes = []CanonType{CanonADR, CanonChangelog, CanonBacklog, CanonGlossary, CanonPMD}

// ValidCanonType reports membership in the closed type set.
func ValidCanonType(t CanonType) bool {
	for _, ct := range CanonTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// CanonItem is one durable knowledge unit. Never mutated after creation
// except deactivation.
type CanonItem struct {
	ID      string    `json:"id"`
	Project string    `json:"project"`
	Role    int       `json:"role,omitempty"` // 0 = roleless (global)
	Type    CanonType `json:"type"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Tags    []string  `json:"tags,omitempty"`
	Terms   []string  `json:"terms,omitempty"`
	Active  bool      `json:"active"`

	CreatedAt time.Time `json:"created_at"`
}

// ── Debate / Pipeline ────────────────────────────────────────

// DebateKind distinguishes the two fixed topologies.
type DebateKind string

const (
	DebateKindDebate   DebateKind = "debate"   // propose → critique → defend → judge
	DebateKindPipeline DebateKind = "pipeline" // generate → review → merge
)

// DebateRole labels one stage of a run. Closed set; prompt construction
// switches exhaustively over it.
type DebateRole string

const (
	RoleProposer  DebateRole = "proposer"
	RoleCritic    DebateRole = "critic"
	RoleDefender  DebateRole = "defender"
	RoleJudge     DebateRole = "judge"
	RoleGenerator DebateRole = "generator"
	RoleReviewer  DebateRole = "reviewer"
	RoleMerger    DebateRole = "merger"
)

// DebateRound is one immutable stage record. Tokens are estimated from
// output length, cost from the model's per-1K output rate.
type DebateRound struct {
	Round   int        `json:"round"`
	Model   ModelKey   `json:"model"`
	Role    DebateRole `json:"role"`
	Content string     `json:"content"`
	Tokens  int        `json:"tokens"`
	Cost    float64    `json:"cost_usd"`
}

// Debate run statuses.
const (
	DebateStatusRunning   = "running"
	DebateStatusCompleted = "completed"
	DebateStatusFailed    = "failed"
)

// DebateRun is a full transcript plus accounting, persisted per run.
type DebateRun struct {
	ID         string        `json:"id"`
	Project    string        `json:"project"`
	Kind       DebateKind    `json:"kind"`
	Topic      string        `json:"topic"`
	SessionKey string        `json:"session_key,omitempty"`
	Rounds     []DebateRound `json:"rounds"`
	Final      *DebateRound  `json:"final,omitempty"`

	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost_usd"`

	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditEvent records one orchestrated action for the audit trail.
// Best-effort: failures to append are logged and dropped.
type AuditEvent struct {
	ID       string       `json:"id"`
	Project  string       `json:"project"`
	Actor    string       `json:"actor,omitempty"`
	Action   string       `json:"action"` // "ask", "ask_all", "debate", "pipeline"
	Model    ModelKey     `json:"model,omitempty"`
	Provider ProviderKind `json:"provider,omitempty"`
	Tokens   int64        `json:"tokens"`
	CostUSD  float64      `json:"cost_usd"`
	Degraded bool         `json:"degraded,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ── Token Limits ─────────────────────────────────────────────

// Limits is a resolved (soft, hard) token threshold pair. After
// resolution soft ≤ hard always holds.
type Limits struct {
	Soft int `json:"soft"`
	Hard int `json:"hard"`
}
