// Package debate runs the fixed multi-model protocols: the
// propose/critique/defend/judge debate and the generate/review/merge
// pipeline. Stages are strictly sequential because each stage's prompt
// embeds the previous stage's output; the final stage sees the whole
// transcript. The engine never retries. Recovery lives entirely in the
// orchestrator ladder, and a stage that still comes back degraded is
// fatal to the run.
package debate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roundtable-ai/roundtable/internal/catalog"
	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/internal/memory"
	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/internal/tokens"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// maxRounds caps the intermediate stage count of a single run.
const maxRounds = 10

// defaultRounds is the canonical debate shape: propose, critique, defend.
const defaultRounds = 3

// Asker is the single orchestrator operation the engine depends on.
type Asker interface {
	Ask(ctx context.Context, req *models.AskRequest) (*models.AskResult, error)
}

// Engine drives both topologies over the orchestrator.
type Engine struct {
	orch    Asker
	catalog *catalog.Catalog
	store   store.Store
	mem     *memory.Engine
	cfg     *config.Config
}

// New wires the engine. store may be nil to skip run persistence and the
// audit trail; mem may be nil to skip session write-back.
func New(orch Asker, cat *catalog.Catalog, st store.Store, mem *memory.Engine, cfg *config.Config) *Engine {
	return &Engine{
		orch:    orch,
		catalog: cat,
		store:   st,
		mem:     mem,
		cfg:     cfg,
	}
}

// Request starts one run. Rounds applies to the debate topology only;
// the pipeline's intermediate stages are fixed at two. A non-empty
// SessionKey writes the transcript back into conversation memory.
type Request struct {
	Topic      string `json:"topic"`
	Rounds     int    `json:"rounds,omitempty"`
	Project    string `json:"project,omitempty"`
	Role       int    `json:"role,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// RunDebate executes the debate topology: a proposer opens, then critic
// and defender alternate until `rounds` intermediate stages have run,
// and a judge synthesizes the final answer from the full transcript.
// rounds=N always yields exactly N transcript entries plus one final.
func (e *Engine) RunDebate(ctx context.Context, req *Request) (*models.DebateRun, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, fmt.Errorf("debate: empty topic")
	}
	rounds := req.Rounds
	if rounds <= 0 {
		rounds = defaultRounds
	}
	if rounds > maxRounds {
		rounds = maxRounds
	}

	run := e.newRun(ctx, models.DebateKindDebate, req)
	log.Info().
		Str("debate", run.ID).
		Str("topic", req.Topic).
		Int("rounds", rounds).
		Msg("Debate started")

	prior := ""
	for i := 1; i <= rounds; i++ {
		role := debateRole(i)
		rd, err := e.stage(ctx, req, i, role, stagePrompt(role, req.Topic, prior))
		if err != nil {
			return nil, e.fail(ctx, run, err)
		}
		run.Rounds = append(run.Rounds, rd)
		prior = rd.Content
	}

	final, err := e.stage(ctx, req, rounds+1, models.RoleJudge, stagePrompt(models.RoleJudge, req.Topic, transcript(run.Rounds)))
	if err != nil {
		return nil, e.fail(ctx, run, err)
	}
	run.Final = &final

	return run, e.finish(ctx, req, run)
}

// RunPipeline executes the project-builder topology: generate, review,
// then a merge final over both.
func (e *Engine) RunPipeline(ctx context.Context, req *Request) (*models.DebateRun, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, fmt.Errorf("pipeline: empty task")
	}

	run := e.newRun(ctx, models.DebateKindPipeline, req)
	log.Info().
		Str("pipeline", run.ID).
		Str("task", req.Topic).
		Msg("Pipeline started")

	draft, err := e.stage(ctx, req, 1, models.RoleGenerator, stagePrompt(models.RoleGenerator, req.Topic, ""))
	if err != nil {
		return nil, e.fail(ctx, run, err)
	}
	run.Rounds = append(run.Rounds, draft)

	review, err := e.stage(ctx, req, 2, models.RoleReviewer, stagePrompt(models.RoleReviewer, req.Topic, draft.Content))
	if err != nil {
		return nil, e.fail(ctx, run, err)
	}
	run.Rounds = append(run.Rounds, review)

	merged, err := e.stage(ctx, req, 3, models.RoleMerger, stagePrompt(models.RoleMerger, req.Topic, transcript(run.Rounds)))
	if err != nil {
		return nil, e.fail(ctx, run, err)
	}
	run.Final = &merged

	return run, e.finish(ctx, req, run)
}

// newRun opens the persisted run record in the running state.
func (e *Engine) newRun(ctx context.Context, kind models.DebateKind, req *Request) *models.DebateRun {
	run := &models.DebateRun{
		ID:         uuid.New().String(),
		Project:    req.Project,
		Kind:       kind,
		Topic:      req.Topic,
		SessionKey: req.SessionKey,
		Status:     models.DebateStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if e.store != nil {
		if err := e.store.CreateDebate(ctx, run); err != nil {
			log.Warn().Err(err).Str("debate", run.ID).Msg("Run record create failed")
		}
	}
	return run
}

// stage issues one orchestrator call and turns the answer into an
// immutable round record with estimated token and cost accounting.
func (e *Engine) stage(ctx context.Context, req *Request, round int, role models.DebateRole, prompt string) (models.DebateRound, error) {
	res, err := e.orch.Ask(ctx, &models.AskRequest{
		Model:    e.modelFor(role),
		Project:  req.Project,
		Role:     req.Role,
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: prompt}},
	})
	if err != nil {
		return models.DebateRound{}, fmt.Errorf("%s stage: %w", role, err)
	}
	if res.Degraded {
		// A sentinel must never feed the next prompt.
		return models.DebateRound{}, fmt.Errorf("%s stage: %s exhausted %d attempts", role, res.Provider, res.Attempts)
	}

	tok := tokens.Estimate(res.Text)
	return models.DebateRound{
		Round:   round,
		Model:   res.Model,
		Role:    role,
		Content: res.Text,
		Tokens:  tok,
		Cost:    float64(tok) / 1000.0 * e.rate(res.Model),
	}, nil
}

// modelFor maps a stage role onto the configured model assignment.
// Empty assignments resolve to the default model inside the orchestrator.
func (e *Engine) modelFor(role models.DebateRole) models.ModelKey {
	switch role {
	case models.RoleCritic, models.RoleReviewer:
		return models.ModelKey(e.cfg.Debate.CriticModel)
	case models.RoleJudge, models.RoleMerger:
		return models.ModelKey(e.cfg.Debate.JudgeModel)
	default:
		return models.ModelKey(e.cfg.Debate.ProposerModel)
	}
}

// rate is the per-1K output cost of a catalog model, 0 if unknown.
func (e *Engine) rate(key models.ModelKey) float64 {
	if d, ok := e.catalog.Lookup(key); ok {
		return d.OutputCostPer1K
	}
	return 0
}

// debateRole cycles the intermediate stages: the proposer opens, then
// critic and defender alternate.
func debateRole(round int) models.DebateRole {
	switch {
	case round == 1:
		return models.RoleProposer
	case round%2 == 0:
		return models.RoleCritic
	default:
		return models.RoleDefender
	}
}

// fail closes the run record as failed and surfaces the stage error.
func (e *Engine) fail(ctx context.Context, run *models.DebateRun, err error) error {
	run.Status = models.DebateStatusFailed
	run.Error = err.Error()
	e.seal(run)
	if e.store != nil {
		if uerr := e.store.UpdateDebate(ctx, run); uerr != nil {
			log.Warn().Err(uerr).Str("debate", run.ID).Msg("Run record update failed")
		}
	}
	log.Warn().Err(err).Str("debate", run.ID).Msg("Run failed")
	return fmt.Errorf("%s %s: %w", run.Kind, run.ID, err)
}

// finish totals the accounting, persists the completed run, writes the
// transcript back to the session, and appends the audit event.
func (e *Engine) finish(ctx context.Context, req *Request, run *models.DebateRun) error {
	for _, rd := range run.Rounds {
		run.TotalTokens += rd.Tokens
		run.TotalCost += rd.Cost
	}
	run.TotalTokens += run.Final.Tokens
	run.TotalCost += run.Final.Cost
	run.Status = models.DebateStatusCompleted
	e.seal(run)

	if e.store != nil {
		if err := e.store.UpdateDebate(ctx, run); err != nil {
			log.Warn().Err(err).Str("debate", run.ID).Msg("Run record update failed")
		}
		e.audit(ctx, run)
	}
	e.writeBack(ctx, req, run)

	log.Info().
		Str("debate", run.ID).
		Int("rounds", len(run.Rounds)).
		Int("tokens", run.TotalTokens).
		Float64("cost_usd", run.TotalCost).
		Msg("Run completed")
	return nil
}

func (e *Engine) seal(run *models.DebateRun) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
}

// writeBack stores the transcript as multi-agent turns, best-effort.
func (e *Engine) writeBack(ctx context.Context, req *Request, run *models.DebateRun) {
	if e.mem == nil || req.SessionKey == "" {
		return
	}
	scope := models.Scope{Project: req.Project, Role: req.Role}
	all := append(append([]models.DebateRound{}, run.Rounds...), *run.Final)
	for _, rd := range all {
		_, err := e.mem.StoreTurn(ctx, scope, req.SessionKey, string(rd.Role), rd.Content, memory.StoreOpts{IsMultiAgent: true})
		if err != nil {
			log.Warn().Err(err).Str("debate", run.ID).Msg("Transcript write-back failed")
			return
		}
	}
}

// audit appends one run-level trail event, best-effort. Stage-level ask
// events are the orchestrator's own.
func (e *Engine) audit(ctx context.Context, run *models.DebateRun) {
	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		Project:   run.Project,
		Action:    string(run.Kind),
		Model:     run.Final.Model,
		Tokens:    int64(run.TotalTokens),
		CostUSD:   run.TotalCost,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateAuditEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("debate", run.ID).Msg("Audit append failed")
	}
}

// ── Prompts ─────────────────────────────────────────────────

// stagePrompt builds the prompt for a role. prior is the previous
// stage's output, or the formatted transcript for the final roles.
// The switch is exhaustive over the closed role set.
func stagePrompt(role models.DebateRole, topic, prior string) string {
	switch role {
	case models.RoleProposer:
		return fmt.Sprintf("Take a clear position on the topic below and argue for it.\n\nTopic: %s", topic)
	case models.RoleCritic:
		return fmt.Sprintf("Critique the argument below. Name concrete weaknesses, gaps, and counterexamples.\n\nTopic: %s\n\nArgument:\n%s", topic, prior)
	case models.RoleDefender:
		return fmt.Sprintf("Defend the original position against this critique. Concede only what is indefensible.\n\nTopic: %s\n\nCritique:\n%s", topic, prior)
	case models.RoleJudge:
		return fmt.Sprintf("Weigh the full exchange below and write the final, balanced answer.\n\nTopic: %s\n\nExchange:\n%s", topic, prior)
	case models.RoleGenerator:
		return fmt.Sprintf("Produce a first complete draft for the task below.\n\nTask: %s", topic)
	case models.RoleReviewer:
		return fmt.Sprintf("Review the draft below. List concrete problems and improvements.\n\nTask: %s\n\nDraft:\n%s", topic, prior)
	case models.RoleMerger:
		return fmt.Sprintf("Merge the draft and its review into the final version.\n\nTask: %s\n\nDraft and review:\n%s", topic, prior)
	}
	return topic
}

// transcript formats the ordered rounds for the final stage's prompt.
func transcript(rounds []models.DebateRound) string {
	var b strings.Builder
	for _, rd := range rounds {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", rd.Role, rd.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
