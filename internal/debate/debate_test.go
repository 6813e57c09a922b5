package debate_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundtable-ai/roundtable/internal/catalog"
	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/internal/debate"
	"github.com/roundtable-ai/roundtable/internal/memory"
	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/internal/thresholds"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// stubAsker plays scripted orchestrator answers and records requests.
type stubAsker struct {
	calls int
	reqs  []*models.AskRequest
	fn    func(call int, req *models.AskRequest) (*models.AskResult, error)
}

func (s *stubAsker) Ask(_ context.Context, req *models.AskRequest) (*models.AskResult, error) {
	s.calls++
	s.reqs = append(s.reqs, req)
	return s.fn(s.calls, req)
}

// echoAsker answers every stage with a distinct usable text under the
// requested model (default model when the request names none).
func echoAsker() *stubAsker {
	return &stubAsker{fn: func(call int, req *models.AskRequest) (*models.AskResult, error) {
		model := req.Model
		if model == "" {
			model = models.ModelClaudeSonnet
		}
		return &models.AskResult{
			Text:     fmt.Sprintf("stage %d output", call),
			Model:    model,
			Provider: models.ProviderAnthropic,
			Attempts: 1,
		}, nil
	}}
}

func testCatalog() *catalog.Catalog {
	return catalog.NewFromDescriptors(models.ModelClaudeSonnet,
		&models.ModelDescriptor{Key: models.ModelClaudeSonnet, Provider: models.ProviderAnthropic,
			ModelName: "claude-sonnet-4-20250514", MaxOutputTokens: 8192, OutputCostPer1K: 0.015},
		&models.ModelDescriptor{Key: models.ModelClaudeHaiku, Provider: models.ProviderAnthropic,
			ModelName: "claude-3-5-haiku-20241022", MaxOutputTokens: 8192, OutputCostPer1K: 0.005},
		&models.ModelDescriptor{Key: models.ModelGPT4o, Provider: models.ProviderOpenAI,
			ModelName: "gpt-4o", MaxOutputTokens: 16384, OutputCostPer1K: 0.01},
	)
}

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	os.Setenv("ROUNDTABLE_DATA_DIR", t.TempDir())
	st := store.NewMemoryStore()
	os.Unsetenv("ROUNDTABLE_DATA_DIR")
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestEngine(t *testing.T, asker debate.Asker, cfg *config.Config) (*debate.Engine, *store.MemoryStore) {
	t.Helper()
	st := newTestStore(t)
	return debate.New(asker, testCatalog(), st, nil, cfg), st
}

func debateReq(rounds int) *debate.Request {
	return &debate.Request{Topic: "Rust vs Go", Rounds: rounds, Project: "demo"}
}

// ─── Debate topology ────────────────────────────────────────

func TestRunDebateShape(t *testing.T) {
	asker := echoAsker()
	e, _ := newTestEngine(t, asker, &config.Config{})

	run, err := e.RunDebate(context.Background(), debateReq(3))
	require.NoError(t, err)
	require.Len(t, run.Rounds, 3)
	require.NotNil(t, run.Final)

	wantRoles := []models.DebateRole{models.RoleProposer, models.RoleCritic, models.RoleDefender}
	for i, want := range wantRoles {
		assert.Equal(t, want, run.Rounds[i].Role, "stage %d role", i+1)
		assert.Equal(t, i+1, run.Rounds[i].Round, "stage %d number", i+1)
	}
	assert.Equal(t, models.RoleJudge, run.Final.Role)
	assert.Equal(t, 4, run.Final.Round)
	assert.Equal(t, models.DebateStatusCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt, "completed run must be sealed")
}

func TestRunDebatePromptChaining(t *testing.T) {
	asker := echoAsker()
	e, _ := newTestEngine(t, asker, &config.Config{})

	_, err := e.RunDebate(context.Background(), debateReq(3))
	require.NoError(t, err)
	require.Equal(t, 4, asker.calls)

	prompt := func(i int) string { return asker.reqs[i].Messages[0].Content }
	assert.Contains(t, prompt(0), "Rust vs Go", "proposer prompt carries the topic")
	assert.Contains(t, prompt(1), "stage 1 output", "critic prompt carries the proposal")
	assert.Contains(t, prompt(2), "stage 2 output", "defender prompt carries the critique")
	// The judge sees the whole exchange.
	for _, frag := range []string{"[proposer]", "stage 1 output", "[critic]", "stage 2 output", "[defender]", "stage 3 output"} {
		assert.Contains(t, prompt(3), frag)
	}
}

func TestRunDebateDefaultAndClampedRounds(t *testing.T) {
	for _, tc := range []struct {
		in, want int
	}{
		{0, 3},
		{-2, 3},
		{1, 1},
		{50, 10},
	} {
		asker := echoAsker()
		e := debate.New(asker, testCatalog(), nil, nil, &config.Config{})
		run, err := e.RunDebate(context.Background(), debateReq(tc.in))
		require.NoError(t, err, "rounds=%d", tc.in)
		assert.Len(t, run.Rounds, tc.want, "rounds=%d", tc.in)
	}
}

func TestRunDebateAccounting(t *testing.T) {
	// Every stage answers 40 chars, so 10 estimated tokens at the
	// sonnet rate.
	asker := &stubAsker{fn: func(call int, req *models.AskRequest) (*models.AskResult, error) {
		return &models.AskResult{
			Text:     strings.Repeat("x", 40),
			Model:    models.ModelClaudeSonnet,
			Provider: models.ProviderAnthropic,
		}, nil
	}}
	e, _ := newTestEngine(t, asker, &config.Config{})

	run, err := e.RunDebate(context.Background(), debateReq(3))
	require.NoError(t, err)
	for i, rd := range run.Rounds {
		assert.Equal(t, 10, rd.Tokens, "stage %d", i+1)
		assert.InDelta(t, 0.00015, rd.Cost, 1e-12, "stage %d", i+1)
	}
	assert.Equal(t, 40, run.TotalTokens, "4 stages at 10 tokens each")
	assert.InDelta(t, 0.0006, run.TotalCost, 1e-12)
}

func TestRunDebateStageFailureIsFatal(t *testing.T) {
	asker := &stubAsker{fn: func(call int, req *models.AskRequest) (*models.AskResult, error) {
		if call == 3 {
			return &models.AskResult{
				Text:     "[anthropic unavailable] No response after 3 attempts. Please try again shortly.",
				Model:    models.ModelClaudeSonnet,
				Provider: models.ProviderAnthropic,
				Attempts: 3,
				Degraded: true,
			}, nil
		}
		return &models.AskResult{Text: fmt.Sprintf("stage %d output", call), Model: models.ModelClaudeSonnet}, nil
	}}
	e, st := newTestEngine(t, asker, &config.Config{})

	_, err := e.RunDebate(context.Background(), debateReq(3))
	require.Error(t, err, "a degraded stage must fail the run")
	assert.Contains(t, err.Error(), "defender stage")
	// The sentinel never became a prompt: no judge call happened.
	assert.Equal(t, 3, asker.calls, "run stops at the failed stage")

	runs, _ := st.ListDebates(context.Background(), "demo", 10)
	require.Len(t, runs, 1)
	assert.Equal(t, models.DebateStatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
	assert.Len(t, runs[0].Rounds, 2, "partial transcript persists")
}

func TestRunDebateModelAssignment(t *testing.T) {
	asker := echoAsker()
	cfg := &config.Config{Debate: config.DebateConfig{
		ProposerModel: "claude-sonnet",
		CriticModel:   "gpt-4o",
		JudgeModel:    "claude-haiku",
	}}
	e := debate.New(asker, testCatalog(), nil, nil, cfg)

	_, err := e.RunDebate(context.Background(), debateReq(3))
	require.NoError(t, err)
	want := []models.ModelKey{models.ModelClaudeSonnet, models.ModelGPT4o, models.ModelClaudeSonnet, models.ModelClaudeHaiku}
	for i, w := range want {
		assert.Equal(t, w, asker.reqs[i].Model, "stage %d", i+1)
	}
}

func TestRunDebateEmptyTopic(t *testing.T) {
	e := debate.New(echoAsker(), testCatalog(), nil, nil, &config.Config{})
	_, err := e.RunDebate(context.Background(), &debate.Request{Topic: "  "})
	require.Error(t, err)
}

func TestRunDebateAuditTrail(t *testing.T) {
	e, st := newTestEngine(t, echoAsker(), &config.Config{})

	run, err := e.RunDebate(context.Background(), debateReq(2))
	require.NoError(t, err)

	events, _ := st.ListAuditEvents(context.Background(), "demo", 10)
	require.Len(t, events, 1, "one run-level audit entry")
	assert.Equal(t, "debate", events[0].Action)
	assert.Equal(t, int64(run.TotalTokens), events[0].Tokens)
}

// ─── Pipeline topology ──────────────────────────────────────

func TestRunPipelineShape(t *testing.T) {
	asker := echoAsker()
	e, st := newTestEngine(t, asker, &config.Config{})

	run, err := e.RunPipeline(context.Background(), &debate.Request{Topic: "a CLI todo app", Project: "demo"})
	require.NoError(t, err)
	require.Len(t, run.Rounds, 2)
	require.NotNil(t, run.Final)
	assert.Equal(t, models.RoleGenerator, run.Rounds[0].Role)
	assert.Equal(t, models.RoleReviewer, run.Rounds[1].Role)
	assert.Equal(t, models.RoleMerger, run.Final.Role)
	assert.Equal(t, models.DebateKindPipeline, run.Kind)

	// Review sees the draft; the merge sees both.
	assert.Contains(t, asker.reqs[1].Messages[0].Content, "stage 1 output", "review prompt carries the draft")
	merge := asker.reqs[2].Messages[0].Content
	assert.Contains(t, merge, "[generator]")
	assert.Contains(t, merge, "[reviewer]")

	events, _ := st.ListAuditEvents(context.Background(), "demo", 10)
	require.Len(t, events, 1)
	assert.Equal(t, "pipeline", events[0].Action)
}

// ─── Session write-back ─────────────────────────────────────

func TestRunDebateSessionWriteBack(t *testing.T) {
	st := newTestStore(t)
	cfg := &config.Config{Memory: config.MemoryConfig{SummaryEvery: 15, SummaryThresholdTokens: 500}}
	mem := memory.NewEngine(st, nil, nil, testCatalog(), thresholds.New(cfg.Limits), cfg)
	e := debate.New(echoAsker(), testCatalog(), st, mem, cfg)

	req := &debate.Request{Topic: "Rust vs Go", Rounds: 2, Project: "demo", SessionKey: "sess-1"}
	_, err := e.RunDebate(context.Background(), req)
	require.NoError(t, err)

	turns, err := st.RecentTurns(context.Background(), models.Scope{Project: "demo"}, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3, "2 rounds + final")
	// Newest first: the judge's final lands last.
	assert.Equal(t, "judge", turns[0].Sender)
	for _, turn := range turns {
		assert.True(t, turn.IsMultiAgent, "turn %q must be flagged multi-agent", turn.Sender)
	}
}

func TestRunDebateNoWriteBackWithoutSession(t *testing.T) {
	st := newTestStore(t)
	cfg := &config.Config{Memory: config.MemoryConfig{SummaryEvery: 15}}
	mem := memory.NewEngine(st, nil, nil, testCatalog(), thresholds.New(cfg.Limits), cfg)
	e := debate.New(echoAsker(), testCatalog(), st, mem, cfg)

	_, err := e.RunDebate(context.Background(), debateReq(2))
	require.NoError(t, err)
	turns, _ := st.RecentTurns(context.Background(), models.Scope{Project: "demo"}, "", 10)
	assert.Empty(t, turns, "no session key, no write-back")
}
