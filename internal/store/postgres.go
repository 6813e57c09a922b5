// Package store: PostgreSQL Store implementation backed by pgx.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx v5 migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	url  string

	doneCh   chan struct{}
	auditTTL time.Duration
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and returns a ready store.
// Connection attempts retry on a constant interval; the database is often
// a sibling container that needs a few seconds on cold start.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 5), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	auditTTL := 7 * 24 * time.Hour
	if ttlStr := os.Getenv("ROUNDTABLE_AUDIT_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			auditTTL = parsed
		}
	}

	s := &PostgresStore{
		pool:     pool,
		url:      cfg.URL,
		doneCh:   make(chan struct{}),
		auditTTL: auditTTL,
	}
	go s.auditEvictionLoop()

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("Connected to PostgreSQL")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close stops the eviction loop and releases the pool. Safe to call twice.
func (s *PostgresStore) Close() error {
	select {
	case <-s.doneCh:
		return nil
	default:
		close(s.doneCh)
	}
	s.pool.Close()
	log.Info().Msg("Postgres store closed")
	return nil
}

// Migrate applies embedded migrations through golang-migrate.
func (s *PostgresStore) Migrate(_ context.Context) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbURL, err := migrateURL(s.url)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Msg("No new migrations to apply")
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migrations applied")
	return nil
}

// migrateURL converts postgres:// or postgresql:// to the pgx5:// scheme
// golang-migrate's pgx v5 driver registers under.
func migrateURL(connURL string) (string, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		u.Scheme = "pgx5"
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported database url scheme: %s", u.Scheme)
	}
}

func (s *PostgresStore) auditEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			tag, err := s.pool.Exec(ctx,
				`DELETE FROM audit_events WHERE created_at < $1`,
				time.Now().Add(-s.auditTTL))
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Audit eviction failed")
				continue
			}
			if tag.RowsAffected() > 0 {
				log.Info().Int64("evicted", tag.RowsAffected()).Msg("Evicted expired audit events")
			}
		}
	}
}

// ── Turn Store ──────────────────────────────────────────────

func (s *PostgresStore) AppendTurn(ctx context.Context, turn *models.Turn) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turns (id, project, role, session_key, sender, text_raw, summary, tokens, is_summary, is_multi_agent, deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		turn.ID, turn.Project, turn.Role, turn.SessionKey, turn.Sender,
		turn.Text, turn.Summary, turn.Tokens, turn.IsSummary, turn.IsMultiAgent,
		turn.Deleted, createdAt)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, scope models.Scope, sessionKey string, limit int) ([]models.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, role, session_key, sender, text_raw, summary, tokens, is_summary, is_multi_agent, deleted, created_at
		FROM turns
		WHERE project = $1 AND role = $2 AND session_key = $3 AND deleted = FALSE
		ORDER BY created_at DESC
		LIMIT $4`,
		scope.Project, scope.Role, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var result []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.Project, &t.Role, &t.SessionKey, &t.Sender,
			&t.Text, &t.Summary, &t.Tokens, &t.IsSummary, &t.IsMultiAgent,
			&t.Deleted, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountConversationTurns(ctx context.Context, scope models.Scope, sessionKey string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM turns
		WHERE project = $1 AND role = $2 AND session_key = $3 AND deleted = FALSE AND is_summary = FALSE`,
		scope.Project, scope.Role, sessionKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SoftDeleteTurn(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE turns SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "turn", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListDeletedTurns(ctx context.Context, before time.Time, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, role, session_key, sender, text_raw, summary, tokens, is_summary, is_multi_agent, deleted, created_at
		FROM turns
		WHERE deleted = TRUE AND created_at < $1
		ORDER BY created_at
		LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("query deleted turns: %w", err)
	}
	defer rows.Close()

	var result []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.Project, &t.Role, &t.SessionKey, &t.Sender,
			&t.Text, &t.Summary, &t.Tokens, &t.IsSummary, &t.IsMultiAgent,
			&t.Deleted, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) PurgeTurns(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("purge turns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Session Store ───────────────────────────────────────────

func (s *PostgresStore) LatestSessionKey(ctx context.Context, scope models.Scope) (string, error) {
	var key string
	err := s.pool.QueryRow(ctx,
		`SELECT key FROM sessions WHERE project = $1 AND role = $2`,
		scope.Project, scope.Role).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "session", Key: scopeKey(scope)}
	}
	if err != nil {
		return "", fmt.Errorf("latest session key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, scope models.Scope, key string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (project, role, key, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (project, role)
		DO UPDATE SET key = EXCLUDED.key, updated_at = now()`,
		scope.Project, scope.Role, key)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ── Canon Store ─────────────────────────────────────────────

func (s *PostgresStore) AppendCanonItems(ctx context.Context, items []models.CanonItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		createdAt := item.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO canon_items (id, project, role, type, title, body, tags, terms, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			item.ID, item.Project, item.Role, string(item.Type), item.Title,
			item.Body, item.Tags, item.Terms, item.Active, createdAt); err != nil {
			return fmt.Errorf("insert canon item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit canon items: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCanon(ctx context.Context, project string) ([]models.CanonItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, role, type, title, body, tags, terms, active, created_at
		FROM canon_items
		WHERE project = $1 AND active = TRUE
		ORDER BY created_at DESC`,
		project)
	if err != nil {
		return nil, fmt.Errorf("query canon items: %w", err)
	}
	defer rows.Close()

	var result []models.CanonItem
	for rows.Next() {
		var c models.CanonItem
		var typ string
		if err := rows.Scan(&c.ID, &c.Project, &c.Role, &typ, &c.Title,
			&c.Body, &c.Tags, &c.Terms, &c.Active, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan canon item: %w", err)
		}
		c.Type = models.CanonType(typ)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeactivateCanonItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE canon_items SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate canon item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "canon item", Key: id}
	}
	return nil
}

// ── Debate Store ────────────────────────────────────────────

func (s *PostgresStore) CreateDebate(ctx context.Context, run *models.DebateRun) error {
	rounds, finalRound, err := marshalRounds(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO debates (id, project, kind, topic, session_key, rounds, final, total_tokens, total_cost, status, error, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, run.Project, string(run.Kind), run.Topic, run.SessionKey,
		rounds, finalRound, run.TotalTokens, run.TotalCost, run.Status,
		run.Error, run.StartedAt, run.CompletedAt, run.DurationMs)
	if err != nil {
		return fmt.Errorf("create debate: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDebate(ctx context.Context, run *models.DebateRun) error {
	rounds, finalRound, err := marshalRounds(run)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE debates
		SET rounds = $2, final = $3, total_tokens = $4, total_cost = $5, status = $6, error = $7, completed_at = $8, duration_ms = $9
		WHERE id = $1`,
		run.ID, rounds, finalRound, run.TotalTokens, run.TotalCost,
		run.Status, run.Error, run.CompletedAt, run.DurationMs)
	if err != nil {
		return fmt.Errorf("update debate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "debate", Key: run.ID}
	}
	return nil
}

func (s *PostgresStore) GetDebate(ctx context.Context, id string) (*models.DebateRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project, kind, topic, session_key, rounds, final, total_tokens, total_cost, status, error, started_at, completed_at, duration_ms
		FROM debates
		WHERE id = $1`, id)

	run, err := scanDebate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "debate", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get debate: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListDebates(ctx context.Context, project string, limit int) ([]models.DebateRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, kind, topic, session_key, rounds, final, total_tokens, total_cost, status, error, started_at, completed_at, duration_ms
		FROM debates
		WHERE ($1 = '' OR project = $1)
		ORDER BY started_at DESC
		LIMIT $2`,
		project, limit)
	if err != nil {
		return nil, fmt.Errorf("query debates: %w", err)
	}
	defer rows.Close()

	var result []models.DebateRun
	for rows.Next() {
		run, err := scanDebate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan debate: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

func marshalRounds(run *models.DebateRun) ([]byte, []byte, error) {
	rounds, err := json.Marshal(run.Rounds)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal rounds: %w", err)
	}
	var finalRound []byte
	if run.Final != nil {
		finalRound, err = json.Marshal(run.Final)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal final round: %w", err)
		}
	}
	return rounds, finalRound, nil
}

func scanDebate(row pgx.Row) (*models.DebateRun, error) {
	var run models.DebateRun
	var kind string
	var rounds, finalRound []byte
	if err := row.Scan(&run.ID, &run.Project, &kind, &run.Topic, &run.SessionKey,
		&rounds, &finalRound, &run.TotalTokens, &run.TotalCost, &run.Status,
		&run.Error, &run.StartedAt, &run.CompletedAt, &run.DurationMs); err != nil {
		return nil, err
	}
	run.Kind = models.DebateKind(kind)
	if len(rounds) > 0 {
		if err := json.Unmarshal(rounds, &run.Rounds); err != nil {
			return nil, fmt.Errorf("unmarshal rounds: %w", err)
		}
	}
	if len(finalRound) > 0 {
		run.Final = &models.DebateRound{}
		if err := json.Unmarshal(finalRound, run.Final); err != nil {
			return nil, fmt.Errorf("unmarshal final round: %w", err)
		}
	}
	return &run, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, project, actor, action, model, provider, tokens, cost_usd, degraded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Project, event.Actor, event.Action, string(event.Model),
		string(event.Provider), event.Tokens, event.CostUSD, event.Degraded, createdAt)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, project string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, actor, action, model, provider, tokens, cost_usd, degraded, created_at
		FROM audit_events
		WHERE ($1 = '' OR project = $1)
		ORDER BY created_at DESC
		LIMIT $2`,
		project, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var result []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var model, provider string
		if err := rows.Scan(&e.ID, &e.Project, &e.Actor, &e.Action, &model,
			&provider, &e.Tokens, &e.CostUSD, &e.Degraded, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Model = models.ModelKey(model)
		e.Provider = models.ProviderKind(provider)
		result = append(result, e)
	}
	return result, rows.Err()
}
