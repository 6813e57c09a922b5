// Package store: in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/roundtable-ai/roundtable/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Turns       []*models.Turn               `json:"turns"`
	Sessions    map[string]*models.Session   `json:"sessions"` // key: project:role
	Canon       []*models.CanonItem          `json:"canon"`
	Debates     map[string]*models.DebateRun `json:"debates"` // key: id
	AuditEvents []*models.AuditEvent         `json:"audit_events"`
}

// MemoryStore implements Store with in-memory slices and maps.
type MemoryStore struct {
	mu          sync.RWMutex
	turns       []*models.Turn               // append-only, insertion order = chronological
	sessions    map[string]*models.Session   // key: project:role
	canon       []*models.CanonItem          // append-only
	debates     map[string]*models.DebateRun // key: id
	auditEvents []*models.AuditEvent         // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop

	// Audit TTL: events older than this are evicted automatically.
	// Defaults to 7 days. Set via ROUNDTABLE_AUDIT_TTL (Go duration string).
	auditTTL time.Duration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
// If ROUNDTABLE_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.roundtable/data.json.
func NewMemoryStore() *MemoryStore {
	auditTTL := 7 * 24 * time.Hour
	if ttlStr := os.Getenv("ROUNDTABLE_AUDIT_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			auditTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("Invalid ROUNDTABLE_AUDIT_TTL, using default 7d")
		}
	}

	m := &MemoryStore{
		turns:       make([]*models.Turn, 0),
		sessions:    make(map[string]*models.Session),
		canon:       make([]*models.CanonItem, 0),
		debates:     make(map[string]*models.DebateRun),
		auditEvents: make([]*models.AuditEvent, 0),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		auditTTL:    auditTTL,
	}

	dataDir := os.Getenv("ROUNDTABLE_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".roundtable")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	// Audit TTL eviction goroutine (runs every 10 minutes)
	go m.auditEvictionLoop()

	log.Info().
		Str("audit_ttl", auditTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// auditEvictionLoop periodically removes audit events older than auditTTL.
func (m *MemoryStore) auditEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredAudits()
		}
	}
}

// evictExpiredAudits removes audit events older than the configured TTL.
func (m *MemoryStore) evictExpiredAudits() {
	cutoff := time.Now().Add(-m.auditTTL)

	m.mu.Lock()
	kept := m.auditEvents[:0]
	for _, e := range m.auditEvents {
		if !e.CreatedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	evicted := len(m.auditEvents) - len(kept)
	m.auditEvents = kept
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.auditTTL.String()).Msg("Evicted expired audit events")
		m.requestSave()
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Turns:       m.turns,
		Sessions:    m.sessions,
		Canon:       m.canon,
		Debates:     m.debates,
		AuditEvents: m.auditEvents,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Turns != nil {
		m.turns = snap.Turns
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Canon != nil {
		m.canon = snap.Canon
	}
	if snap.Debates != nil {
		m.debates = snap.Debates
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}

	log.Info().
		Int("turns", len(m.turns)).
		Int("sessions", len(m.sessions)).
		Int("canon", len(m.canon)).
		Int("debates", len(m.debates)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	// Force a final snapshot write so no in-flight data is lost
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// scopeKey builds the map key for a (project, role) scope.
func scopeKey(scope models.Scope) string {
	return scope.Project + ":" + strconv.Itoa(scope.Role)
}

func matchesScope(scope models.Scope, project string, role int) bool {
	return project == scope.Project && role == scope.Role
}

// ── Turn Store ──────────────────────────────────────────────

func (m *MemoryStore) AppendTurn(_ context.Context, turn *models.Turn) error {
	m.mu.Lock()
	cp := *turn
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.turns = append(m.turns, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) RecentTurns(_ context.Context, scope models.Scope, sessionKey string, limit int) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.Turn, 0, limit)
	for i := len(m.turns) - 1; i >= 0 && len(result) < limit; i-- {
		t := m.turns[i]
		if t.Deleted || t.SessionKey != sessionKey || !matchesScope(scope, t.Project, t.Role) {
			continue
		}
		result = append(result, *t)
	}
	return result, nil
}

func (m *MemoryStore) CountConversationTurns(_ context.Context, scope models.Scope, sessionKey string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, t := range m.turns {
		if t.Deleted || t.IsSummary || t.SessionKey != sessionKey || !matchesScope(scope, t.Project, t.Role) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) SoftDeleteTurn(_ context.Context, id string) error {
	m.mu.Lock()
	for _, t := range m.turns {
		if t.ID == id {
			t.Deleted = true
			m.mu.Unlock()
			m.requestSave()
			return nil
		}
	}
	m.mu.Unlock()
	return &ErrNotFound{Entity: "turn", Key: id}
}

func (m *MemoryStore) ListDeletedTurns(_ context.Context, before time.Time, limit int) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Turn
	for _, t := range m.turns {
		if !t.Deleted || !t.CreatedAt.Before(before) {
			continue
		}
		result = append(result, *t)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) PurgeTurns(_ context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	m.mu.Lock()
	kept := m.turns[:0]
	purged := 0
	for _, t := range m.turns {
		if _, ok := drop[t.ID]; ok {
			purged++
			continue
		}
		kept = append(kept, t)
	}
	m.turns = kept
	m.mu.Unlock()

	if purged > 0 {
		m.requestSave()
	}
	return purged, nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) LatestSessionKey(_ context.Context, scope models.Scope) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[scopeKey(scope)]
	if !ok {
		return "", &ErrNotFound{Entity: "session", Key: scopeKey(scope)}
	}
	return s.Key, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, scope models.Scope, key string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	sk := scopeKey(scope)
	if s, ok := m.sessions[sk]; ok && s.Key == key {
		s.UpdatedAt = now
	} else {
		m.sessions[sk] = &models.Session{
			Project:   scope.Project,
			Role:      scope.Role,
			Key:       key,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Canon Store ─────────────────────────────────────────────

func (m *MemoryStore) AppendCanonItems(_ context.Context, items []models.CanonItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()

	m.mu.Lock()
	for i := range items {
		cp := items[i]
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		m.canon = append(m.canon, &cp)
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListCanon(_ context.Context, project string) ([]models.CanonItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.CanonItem
	for i := len(m.canon) - 1; i >= 0; i-- {
		c := m.canon[i]
		if !c.Active || c.Project != project {
			continue
		}
		result = append(result, *c)
	}
	return result, nil
}

func (m *MemoryStore) DeactivateCanonItem(_ context.Context, id string) error {
	m.mu.Lock()
	for _, c := range m.canon {
		if c.ID == id {
			c.Active = false
			m.mu.Unlock()
			m.requestSave()
			return nil
		}
	}
	m.mu.Unlock()
	return &ErrNotFound{Entity: "canon item", Key: id}
}

// ── Debate Store ────────────────────────────────────────────

func (m *MemoryStore) CreateDebate(_ context.Context, run *models.DebateRun) error {
	m.mu.Lock()
	cp := *run
	m.debates[run.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateDebate(_ context.Context, run *models.DebateRun) error {
	m.mu.Lock()
	if _, ok := m.debates[run.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "debate", Key: run.ID}
	}
	cp := *run
	m.debates[run.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetDebate(_ context.Context, id string) (*models.DebateRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.debates[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "debate", Key: id}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDebates(_ context.Context, project string, limit int) ([]models.DebateRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.DebateRun
	for _, d := range m.debates {
		if project != "" && d.Project != project {
			continue
		}
		result = append(result, *d)
	}
	// Map iteration order is random; newest first for display.
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	cp := *event
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.auditEvents = append(m.auditEvents, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, project string, limit int) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.AuditEvent
	for i := len(m.auditEvents) - 1; i >= 0; i-- {
		e := m.auditEvents[i]
		if project != "" && e.Project != project {
			continue
		}
		result = append(result, *e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
