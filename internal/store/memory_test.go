package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// newTestStore creates a fresh in-memory store persisted to a temp dir.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	// Use a temp dir so tests don't write to ~/.roundtable/
	dir := t.TempDir()
	os.Setenv("ROUNDTABLE_DATA_DIR", dir)
	defer os.Unsetenv("ROUNDTABLE_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func testScope() models.Scope {
	return models.Scope{Project: "demo", Role: 3}
}

// ─── Turns ──────────────────────────────────────────────────

func TestAppendAndRecentTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := testScope()

	base := time.Now().UTC().Add(-time.Minute)
	for i, text := range []string{"first", "second", "third"} {
		err := s.AppendTurn(ctx, &models.Turn{
			ID:         "turn-" + text,
			Project:    scope.Project,
			Role:       scope.Role,
			SessionKey: "sess-1",
			Sender:     models.SenderUser,
			Text:       text,
			Summary:    text,
			Tokens:     10,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendTurn(%q) error = %v", text, err)
		}
	}

	turns, err := s.RecentTurns(ctx, scope, "sess-1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("RecentTurns() returned %d, want 2", len(turns))
	}
	// Newest first.
	if turns[0].Text != "third" || turns[1].Text != "second" {
		t.Errorf("RecentTurns() order = [%q, %q], want [third, second]", turns[0].Text, turns[1].Text)
	}
}

func TestRecentTurnsScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendTurn(ctx, &models.Turn{ID: "a", Project: "demo", Role: 3, SessionKey: "s", Sender: "user", Text: "in scope"})
	s.AppendTurn(ctx, &models.Turn{ID: "b", Project: "demo", Role: 7, SessionKey: "s", Sender: "user", Text: "other role"})
	s.AppendTurn(ctx, &models.Turn{ID: "c", Project: "other", Role: 3, SessionKey: "s", Sender: "user", Text: "other project"})
	s.AppendTurn(ctx, &models.Turn{ID: "d", Project: "demo", Role: 3, SessionKey: "s2", Sender: "user", Text: "other session"})

	turns, err := s.RecentTurns(ctx, models.Scope{Project: "demo", Role: 3}, "s", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 1 || turns[0].ID != "a" {
		t.Errorf("RecentTurns() = %v, want only turn a", turns)
	}
}

func TestSoftDeleteTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := testScope()

	s.AppendTurn(ctx, &models.Turn{ID: "gone", Project: scope.Project, Role: scope.Role, SessionKey: "s", Sender: "user", Text: "bye"})

	if err := s.SoftDeleteTurn(ctx, "gone"); err != nil {
		t.Fatalf("SoftDeleteTurn() error = %v", err)
	}

	turns, _ := s.RecentTurns(ctx, scope, "s", 10)
	if len(turns) != 0 {
		t.Errorf("RecentTurns() after soft delete returned %d, want 0", len(turns))
	}

	err := s.SoftDeleteTurn(ctx, "nonexistent")
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Errorf("SoftDeleteTurn(nonexistent) error = %v, want *ErrNotFound", err)
	}
}

func TestListAndPurgeDeletedTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := testScope()

	old := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		s.AppendTurn(ctx, &models.Turn{ID: id, Project: scope.Project, Role: scope.Role, SessionKey: "s", Sender: "user", Text: id, CreatedAt: old})
	}
	s.SoftDeleteTurn(ctx, "a")
	s.SoftDeleteTurn(ctx, "c")

	deleted, err := s.ListDeletedTurns(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListDeletedTurns() error = %v", err)
	}
	if len(deleted) != 2 || deleted[0].ID != "a" || deleted[1].ID != "c" {
		t.Fatalf("ListDeletedTurns() = %+v, want a and c oldest first", deleted)
	}

	// Cutoff before the rows' creation time excludes them.
	none, err := s.ListDeletedTurns(ctx, old.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListDeletedTurns(early cutoff) error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListDeletedTurns(early cutoff) returned %d rows, want 0", len(none))
	}

	n, err := s.PurgeTurns(ctx, []string{"a", "c", "ghost"})
	if err != nil {
		t.Fatalf("PurgeTurns() error = %v", err)
	}
	if n != 2 {
		t.Errorf("PurgeTurns() = %d, want 2 (unknown IDs ignored)", n)
	}

	turns, _ := s.RecentTurns(ctx, scope, "s", 10)
	if len(turns) != 1 || turns[0].ID != "b" {
		t.Fatalf("RecentTurns() after purge = %+v, want only b", turns)
	}
}

func TestCountConversationTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := testScope()

	for i := 0; i < 4; i++ {
		s.AppendTurn(ctx, &models.Turn{
			ID: "t" + string(rune('0'+i)), Project: scope.Project, Role: scope.Role,
			SessionKey: "s", Sender: "user", Text: "msg",
		})
	}
	// Summaries and deleted turns don't count toward the cadence.
	s.AppendTurn(ctx, &models.Turn{
		ID: "sum", Project: scope.Project, Role: scope.Role,
		SessionKey: "s", Sender: "assistant", Text: "summary", IsSummary: true,
	})
	s.SoftDeleteTurn(ctx, "t0")

	count, err := s.CountConversationTurns(ctx, scope, "s")
	if err != nil {
		t.Fatalf("CountConversationTurns() error = %v", err)
	}
	if count != 3 {
		t.Errorf("CountConversationTurns() = %d, want 3", count)
	}
}

// ─── Sessions ───────────────────────────────────────────────

func TestTouchAndLatestSessionKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := testScope()

	_, err := s.LatestSessionKey(ctx, scope)
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Fatalf("LatestSessionKey() on empty store error = %v, want *ErrNotFound", err)
	}

	if err := s.TouchSession(ctx, scope, "sess-abc"); err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}

	key, err := s.LatestSessionKey(ctx, scope)
	if err != nil {
		t.Fatalf("LatestSessionKey() error = %v", err)
	}
	if key != "sess-abc" {
		t.Errorf("LatestSessionKey() = %q, want %q", key, "sess-abc")
	}

	// Rotation: touching with a new key replaces the old one.
	s.TouchSession(ctx, scope, "sess-def")
	key, _ = s.LatestSessionKey(ctx, scope)
	if key != "sess-def" {
		t.Errorf("After rotation, LatestSessionKey() = %q, want %q", key, "sess-def")
	}

	// Different role is a different scope.
	_, err = s.LatestSessionKey(ctx, models.Scope{Project: scope.Project, Role: 99})
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Errorf("LatestSessionKey() for unseen role error = %v, want *ErrNotFound", err)
	}
}

// ─── Canon ──────────────────────────────────────────────────

func TestAppendAndListCanon(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	items := []models.CanonItem{
		{ID: "c1", Project: "demo", Type: models.CanonADR, Title: "use pg", Active: true, CreatedAt: base},
		{ID: "c2", Project: "demo", Type: models.CanonBacklog, Title: "add cache", Active: true, CreatedAt: base.Add(time.Second)},
		{ID: "c3", Project: "other", Type: models.CanonADR, Title: "elsewhere", Active: true, CreatedAt: base},
		{ID: "c4", Project: "demo", Type: models.CanonGlossary, Title: "inactive", Active: false, CreatedAt: base},
	}
	if err := s.AppendCanonItems(ctx, items); err != nil {
		t.Fatalf("AppendCanonItems() error = %v", err)
	}

	got, err := s.ListCanon(ctx, "demo")
	if err != nil {
		t.Fatalf("ListCanon() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListCanon() returned %d, want 2 (active, project-scoped)", len(got))
	}
	// Newest first.
	if got[0].ID != "c2" || got[1].ID != "c1" {
		t.Errorf("ListCanon() order = [%s, %s], want [c2, c1]", got[0].ID, got[1].ID)
	}
}

func TestDeactivateCanonItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendCanonItems(ctx, []models.CanonItem{
		{ID: "c1", Project: "demo", Type: models.CanonADR, Title: "keep", Active: true},
	})

	if err := s.DeactivateCanonItem(ctx, "c1"); err != nil {
		t.Fatalf("DeactivateCanonItem() error = %v", err)
	}
	got, _ := s.ListCanon(ctx, "demo")
	if len(got) != 0 {
		t.Errorf("ListCanon() after deactivation returned %d, want 0", len(got))
	}

	err := s.DeactivateCanonItem(ctx, "missing")
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Errorf("DeactivateCanonItem(missing) error = %v, want *ErrNotFound", err)
	}
}

// ─── Debates ────────────────────────────────────────────────

func TestDebateCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.DebateRun{
		ID:        "d1",
		Project:   "demo",
		Kind:      models.DebateKindDebate,
		Topic:     "tabs vs spaces",
		Status:    models.DebateStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateDebate(ctx, run); err != nil {
		t.Fatalf("CreateDebate() error = %v", err)
	}

	run.Status = models.DebateStatusCompleted
	run.Rounds = []models.DebateRound{
		{Round: 1, Model: models.ModelClaudeSonnet, Role: models.RoleProposer, Content: "spaces", Tokens: 2},
	}
	run.TotalTokens = 2
	if err := s.UpdateDebate(ctx, run); err != nil {
		t.Fatalf("UpdateDebate() error = %v", err)
	}

	got, err := s.GetDebate(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDebate() error = %v", err)
	}
	if got.Status != models.DebateStatusCompleted {
		t.Errorf("GetDebate().Status = %q, want completed", got.Status)
	}
	if len(got.Rounds) != 1 || got.Rounds[0].Role != models.RoleProposer {
		t.Errorf("GetDebate().Rounds = %v, want one proposer round", got.Rounds)
	}

	_, err = s.GetDebate(ctx, "missing")
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Errorf("GetDebate(missing) error = %v, want *ErrNotFound", err)
	}
}

func TestListDebatesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		s.CreateDebate(ctx, &models.DebateRun{
			ID:        "d" + string(rune('0'+i)),
			Project:   "demo",
			Kind:      models.DebateKindPipeline,
			Status:    models.DebateStatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	runs, err := s.ListDebates(ctx, "demo", 2)
	if err != nil {
		t.Fatalf("ListDebates() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListDebates() returned %d, want 2", len(runs))
	}
	if runs[0].ID != "d2" || runs[1].ID != "d1" {
		t.Errorf("ListDebates() order = [%s, %s], want [d2, d1]", runs[0].ID, runs[1].ID)
	}
}

// ─── Audit ──────────────────────────────────────────────────

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		s.CreateAuditEvent(ctx, &models.AuditEvent{
			ID:        "e" + string(rune('0'+i)),
			Project:   "demo",
			Action:    "ask",
			Tokens:    int64(i * 100),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	s.CreateAuditEvent(ctx, &models.AuditEvent{ID: "x", Project: "other", Action: "debate"})

	events, err := s.ListAuditEvents(ctx, "demo", 2)
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListAuditEvents() returned %d, want 2", len(events))
	}
	if events[0].ID != "e2" {
		t.Errorf("ListAuditEvents()[0].ID = %q, want e2 (newest first)", events[0].ID)
	}
}

// ─── Close / Snapshot ───────────────────────────────────────

func TestCloseFlush(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("ROUNDTABLE_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("ROUNDTABLE_DATA_DIR")

	ctx := context.Background()
	scope := testScope()
	s.AppendTurn(ctx, &models.Turn{ID: "persist-me", Project: scope.Project, Role: scope.Role, SessionKey: "s", Sender: "user", Text: "hi"})
	s.TouchSession(ctx, scope, "s")

	// Close should flush to disk
	s.Close()

	// Reopen and verify data survived
	os.Setenv("ROUNDTABLE_DATA_DIR", dir)
	s2 := store.NewMemoryStore()
	os.Unsetenv("ROUNDTABLE_DATA_DIR")
	defer s2.Close()

	turns, err := s2.RecentTurns(ctx, scope, "s", 10)
	if err != nil {
		t.Fatalf("After reopen, RecentTurns() error = %v", err)
	}
	if len(turns) != 1 || turns[0].ID != "persist-me" {
		t.Errorf("After reopen, turns = %v, want the persisted turn", turns)
	}

	key, err := s2.LatestSessionKey(ctx, scope)
	if err != nil || key != "s" {
		t.Errorf("After reopen, LatestSessionKey() = %q, %v, want s", key, err)
	}
}

func TestCloseStopsBackgroundWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	os.Setenv("ROUNDTABLE_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("ROUNDTABLE_DATA_DIR")

	// No writes: background loops must exit promptly on Close.
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Second close is a no-op.
	if err := s.Close(); err != nil {
		t.Fatalf("Close() second call error = %v", err)
	}
}
