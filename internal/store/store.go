// Package store provides the storage interface and implementations for
// conversation turns, sessions, canon items, debate runs, and audit events.
// The in-memory store backs local dev and tests; PostgreSQL backs production.
package store

import (
	"context"
	"time"

	"github.com/roundtable-ai/roundtable/pkg/models"
)

// Store is the persistence surface the engines depend on. Handlers and the
// memory engine only ever see this interface, so the in-memory and
// PostgreSQL implementations are interchangeable.
type Store interface {
	TurnStore
	SessionStore
	CanonStore
	DebateStore
	AuditStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate brings the backing schema up to date.
	Migrate(ctx context.Context) error
}

// ── Turn Store ──────────────────────────────────────────────

// TurnStore persists conversation turns. Turns are logically append-only:
// deletion sets a flag, text is never mutated.
type TurnStore interface {
	// AppendTurn persists a turn. The caller supplies ID and CreatedAt.
	AppendTurn(ctx context.Context, turn *models.Turn) error

	// RecentTurns returns up to limit non-deleted turns for the session,
	// newest first. Callers wanting chronological order reverse the slice.
	RecentTurns(ctx context.Context, scope models.Scope, sessionKey string, limit int) ([]models.Turn, error)

	// CountConversationTurns counts non-summary, non-deleted turns in the
	// session. Drives the auto-summarization cadence.
	CountConversationTurns(ctx context.Context, scope models.Scope, sessionKey string) (int, error)

	// SoftDeleteTurn flags a turn as deleted without removing it.
	SoftDeleteTurn(ctx context.Context, id string) error

	// ListDeletedTurns returns up to limit soft-deleted turns created
	// before the cutoff, oldest first. The retention janitor archives
	// these before purging.
	ListDeletedTurns(ctx context.Context, before time.Time, limit int) ([]models.Turn, error)

	// PurgeTurns permanently removes the given turns and reports how
	// many were dropped. Unknown IDs are ignored.
	PurgeTurns(ctx context.Context, ids []string) (int, error)
}

// ── Session Store ───────────────────────────────────────────

// SessionStore tracks the active session key per (project, role) scope.
type SessionStore interface {
	// LatestSessionKey returns the most recently used key for the scope.
	LatestSessionKey(ctx context.Context, scope models.Scope) (string, error)

	// TouchSession upserts the scope's session key and bumps its
	// last-used timestamp.
	TouchSession(ctx context.Context, scope models.Scope, key string) error
}

// ── Canon Store ─────────────────────────────────────────────

// CanonStore persists durable knowledge items. Items are immutable except
// for deactivation.
type CanonStore interface {
	// AppendCanonItems persists a batch of items from one extraction.
	AppendCanonItems(ctx context.Context, items []models.CanonItem) error

	// ListCanon returns the project's active items, newest first. Role
	// scoping and term matching happen in the memory engine.
	ListCanon(ctx context.Context, project string) ([]models.CanonItem, error)

	// DeactivateCanonItem clears the active flag on an item.
	DeactivateCanonItem(ctx context.Context, id string) error
}

// ── Debate Store ────────────────────────────────────────────

// DebateStore persists debate and pipeline run transcripts.
type DebateStore interface {
	CreateDebate(ctx context.Context, run *models.DebateRun) error
	UpdateDebate(ctx context.Context, run *models.DebateRun) error
	GetDebate(ctx context.Context, id string) (*models.DebateRun, error)
	ListDebates(ctx context.Context, project string, limit int) ([]models.DebateRun, error)
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore records orchestrated actions for the audit trail. Events are
// evicted after a configurable TTL.
type AuditStore interface {
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, project string, limit int) ([]models.AuditEvent, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
