// Package contracts defines the service interfaces for roundtable.
//
// These interfaces form the boundary between the engine packages and any
// embedding program. The repo ships concrete implementations (Orchestrator,
// memory Engine, debate Engine); an embedder can provide its own and the
// handler layer will not notice.
//
// The Handlers struct in api/handlers uses these interfaces, so swapping
// an implementation is a single line change in the wiring code (pkg/server).
package contracts

import (
	"context"

	"github.com/roundtable-ai/roundtable/internal/debate"
	"github.com/roundtable-ai/roundtable/internal/memory"
	"github.com/roundtable-ai/roundtable/internal/providers"
	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// Store is a type alias for the internal Store interface.
// Exposed in pkg/ so embedders can reference it in their own wiring
// without importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// Driver is a type alias for the provider driver interface. Embedders
// register custom drivers on the Registry through this type.
type Driver = providers.Driver

// ── Orchestrator Service ────────────────────────────────────

// OrchestratorService is the resilient single-call surface.
// Implementation: internal/orchestrator.Orchestrator
type OrchestratorService interface {
	// Ask runs one completion through the full recovery ladder. The
	// result is never nil on a nil error; degraded results carry
	// sentinel text instead of model output.
	Ask(ctx context.Context, req *models.AskRequest) (*models.AskResult, error)

	// AskAll fans the same question out to every registered provider
	// and synthesizes the usable answers into one combined result.
	AskAll(ctx context.Context, req *models.AskRequest) (*models.AskAllResult, error)
}

// ── Memory Service ──────────────────────────────────────────

// Aliases for the memory engine's option and result types, so embedders
// can call MemoryService without importing internal/memory.
type (
	StoreOpts       = memory.StoreOpts
	RetrieveOptions = memory.RetrieveOptions
	History         = memory.History
	CanonQuery      = memory.CanonQuery
	Digest          = memory.Digest
)

// MemoryService is the conversation memory surface: session identity,
// turn storage with budgeted retrieval, and durable canon knowledge.
// Implementation: internal/memory.Engine
type MemoryService interface {
	// ResolveSession returns the session key for a scope: the provided
	// key, else the most recent, else a freshly minted one.
	ResolveSession(ctx context.Context, scope models.Scope, provided string) (string, error)

	// StoreTurn persists one message with its summary companion.
	StoreTurn(ctx context.Context, scope models.Scope, sessionKey, sender, text string, opts StoreOpts) (*models.Turn, error)

	// DeleteTurn soft-deletes a stored turn.
	DeleteTurn(ctx context.Context, id string) error

	// Retrieve fetches session history, token-budgeted unless ForDisplay.
	Retrieve(ctx context.Context, scope models.Scope, sessionKey string, opts RetrieveOptions) (*History, error)

	// RecordExchange stores a completed user/assistant exchange.
	RecordExchange(ctx context.Context, scope models.Scope, sessionKey, userText string, answer *models.AskResult) error

	// ExtractCanon pulls durable knowledge items out of free text.
	ExtractCanon(ctx context.Context, scope models.Scope, text string) ([]models.CanonItem, error)

	// SearchCanon returns the scope's active items matching the query.
	SearchCanon(ctx context.Context, scope models.Scope, q CanonQuery) ([]models.CanonItem, error)

	// CanonDigest renders matching canon as one prompt-ready text block.
	CanonDigest(ctx context.Context, scope models.Scope, q CanonQuery) (*Digest, error)

	// DeactivateCanon retires an item from every future search.
	DeactivateCanon(ctx context.Context, id string) error
}

// ── Debate Service ──────────────────────────────────────────

// DebateRequest is a type alias for the debate engine's request.
type DebateRequest = debate.Request

// DebateService runs multi-stage model conversations.
// Implementation: internal/debate.Engine
type DebateService interface {
	// RunDebate runs propose/critique/defend rounds plus a judge stage.
	RunDebate(ctx context.Context, req *DebateRequest) (*models.DebateRun, error)

	// RunPipeline runs the generate/review/merge refinement chain.
	RunPipeline(ctx context.Context, req *DebateRequest) (*models.DebateRun, error)
}

// ── Archiver ────────────────────────────────────────────────

// Archiver writes expired rows to durable cold storage before the
// retention janitor purges them from the hot store. The repo ships a
// local JSONL file archiver; embedders can register object-store
// backed drivers.
type Archiver interface {
	// Kind identifies the driver ("local", "s3", ...).
	Kind() string

	// ArchiveTurns persists one batch and returns its archive URI.
	ArchiveTurns(ctx context.Context, turns []models.Turn) (string, error)

	// HealthCheck verifies the backing storage is writable.
	HealthCheck(ctx context.Context) error
}
