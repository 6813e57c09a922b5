package orchestrator_test

import (
	"context"
	"strings"
	"testing"

	"github.com/roundtable-ai/roundtable/internal/catalog"
	"github.com/roundtable-ai/roundtable/internal/orchestrator"
	"github.com/roundtable-ai/roundtable/internal/providers"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// allMocks returns one scripted driver per provider kind so an ask-all
// run never touches a real endpoint.
func allMocks(anthropic, openai, ollama []outcome) (*scriptDriver, *scriptDriver, *scriptDriver) {
	return &scriptDriver{kind: models.ProviderAnthropic, outcomes: anthropic},
		&scriptDriver{kind: models.ProviderOpenAI, outcomes: openai},
		&scriptDriver{kind: models.ProviderOllama, outcomes: ollama}
}

func TestAskAllFansOutToEveryProvider(t *testing.T) {
	ant, oai, oll := allMocks(
		[]outcome{{text: "claude says A"}, {text: "combined answer"}},
		[]outcome{{text: "gpt says B"}},
		[]outcome{{text: "llama says C"}},
	)
	o, st := newTestOrchestrator(t, testOrchConfig(), ant, oai, oll)

	res, err := o.AskAll(context.Background(), askReq("", "what is the answer?"))
	if err != nil {
		t.Fatalf("AskAll() error = %v", err)
	}
	if len(res.Answers) != 3 {
		t.Fatalf("AskAll() produced %d answers, want 3", len(res.Answers))
	}

	// Answers follow sorted provider-kind order with each kind's
	// representative model.
	wantTargets := []struct {
		provider models.ProviderKind
		model    models.ModelKey
	}{
		{models.ProviderAnthropic, models.ModelClaudeSonnet},
		{models.ProviderOllama, models.ModelLlama},
		{models.ProviderOpenAI, models.ModelGPT4o},
	}
	for i, want := range wantTargets {
		got := res.Answers[i]
		if got.Provider != want.provider || got.Model != want.model {
			t.Errorf("answers[%d] = %s/%s, want %s/%s", i, got.Provider, got.Model, want.provider, want.model)
		}
		if got.Result == nil || got.Result.Degraded {
			t.Errorf("answers[%d] degraded or missing: %+v", i, got.Result)
		}
	}

	// The synthesis runs on the default model and sees every answer.
	if res.Combined == nil || res.Combined.Text != "combined answer" {
		t.Fatalf("Combined = %+v, want the synthesis text", res.Combined)
	}
	if ant.calls != 2 {
		t.Fatalf("anthropic calls = %d, want 2 (fan-out + synthesis)", ant.calls)
	}
	synth := ant.reqs[1].Messages[0].Content
	for _, frag := range []string{"what is the answer?", "[openai]", "gpt says B", "[ollama]", "llama says C"} {
		if !strings.Contains(synth, frag) {
			t.Errorf("synthesis prompt missing %q", frag)
		}
	}

	// Every sub-call and the synthesis land on the audit trail.
	events, _ := st.ListAuditEvents(context.Background(), "demo", 20)
	if len(events) != 4 {
		t.Errorf("audit events = %d, want 4 ask_all entries", len(events))
	}
	for _, e := range events {
		if e.Action != "ask_all" {
			t.Errorf("audit action = %q, want ask_all", e.Action)
		}
	}
}

func TestAskAllSingleUsablePassesThrough(t *testing.T) {
	ant, oai, oll := allMocks(
		[]outcome{{text: "only claude"}},
		[]outcome{{err: upstreamErr(models.ProviderOpenAI)}},
		[]outcome{{err: upstreamErr(models.ProviderOllama)}},
	)
	o, _ := newTestOrchestrator(t, testOrchConfig(), ant, oai, oll)

	res, err := o.AskAll(context.Background(), askReq("", "hi"))
	if err != nil {
		t.Fatalf("AskAll() error = %v", err)
	}
	if res.Combined.Text != "only claude" || res.Combined.Degraded {
		t.Errorf("Combined = %+v, want the single usable answer unchanged", res.Combined)
	}
	if ant.calls != 1 {
		t.Errorf("anthropic calls = %d, want 1 (no synthesis for a lone answer)", ant.calls)
	}

	// The failed providers still report, degraded.
	degraded := 0
	for _, a := range res.Answers {
		if a.Result.Degraded {
			degraded++
		}
	}
	if degraded != 2 {
		t.Errorf("degraded answers = %d, want 2", degraded)
	}
}

func TestAskAllAllProvidersDown(t *testing.T) {
	ant, oai, oll := allMocks(
		[]outcome{{err: upstreamErr(models.ProviderAnthropic)}},
		[]outcome{{err: upstreamErr(models.ProviderOpenAI)}},
		[]outcome{{err: upstreamErr(models.ProviderOllama)}},
	)
	o, _ := newTestOrchestrator(t, testOrchConfig(), ant, oai, oll)

	res, err := o.AskAll(context.Background(), askReq("", "hi"))
	if err != nil {
		t.Fatalf("AskAll() error = %v, total provider failure must not error", err)
	}
	if !res.Combined.Degraded || !strings.Contains(res.Combined.Text, "[all providers unavailable]") {
		t.Errorf("Combined = %+v, want the degraded no-answer shape", res.Combined)
	}
	if res.Combined.Model != models.ModelClaudeSonnet {
		t.Errorf("Combined.Model = %s, want the default key", res.Combined.Model)
	}
	// No synthesis call on top of the anthropic ladder's own three.
	if ant.calls != 3 {
		t.Errorf("anthropic calls = %d, want 3", ant.calls)
	}
}

func TestAskAllNoTargetsIsError(t *testing.T) {
	cfg := testOrchConfig()
	reg := providers.NewRegistry(cfg)
	empty := catalog.NewFromDescriptors("ghost-model")
	o := orchestrator.New(reg, empty, nil, cfg)

	if _, err := o.AskAll(context.Background(), askReq("", "hi")); err == nil {
		t.Fatal("AskAll() with no catalog-backed providers must fail")
	}
}
