package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/roundtable-ai/roundtable/pkg/models"
)

// combinePrompt frames the synthesis call over the per-provider answers.
const combinePrompt = "Several assistants answered the same question independently. " +
	"Write one best answer that reconciles them. Do not mention the assistants.\n\n"

// AskAll fans the same request out to one representative model per
// registered provider, waits for every answer, then produces a combined
// synthesis with the default model. Individual provider failures come
// back as degraded answers; only catalog misconfiguration fails the
// whole call.
func (o *Orchestrator) AskAll(ctx context.Context, req *models.AskRequest) (*models.AskAllResult, error) {
	targets := o.askAllTargets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("no provider has a catalog model to answer with")
	}

	answers := make([]models.ProviderAnswer, len(targets))
	var wg sync.WaitGroup
	for i, desc := range targets {
		wg.Add(1)
		go func(i int, desc *models.ModelDescriptor) {
			defer wg.Done()
			sub := *req
			sub.Model = desc.Key
			res, err := o.ask(ctx, &sub, "ask_all")
			if err != nil {
				// Unreachable for catalog-sourced keys; keep the
				// answer slot filled regardless.
				res = o.sentinel(desc, 0)
			}
			answers[i] = models.ProviderAnswer{Provider: desc.Provider, Model: desc.Key, Result: res}
		}(i, desc)
	}
	wg.Wait()

	return &models.AskAllResult{
		Answers:  answers,
		Combined: o.combine(ctx, req, answers),
	}, nil
}

// askAllTargets picks one representative model per provider kind that
// has both a registered driver and a catalog entry, in kind order.
func (o *Orchestrator) askAllTargets() []*models.ModelDescriptor {
	var out []*models.ModelDescriptor
	for _, kind := range o.registry.Kinds() {
		if d, ok := o.catalog.DefaultForProvider(models.ProviderKind(kind)); ok {
			out = append(out, d)
		}
	}
	return out
}

// combine synthesizes the usable answers into one. A single usable
// answer passes through untouched; none at all yields a degraded
// combined result without another provider call.
func (o *Orchestrator) combine(ctx context.Context, req *models.AskRequest, answers []models.ProviderAnswer) *models.AskResult {
	usable := make([]models.ProviderAnswer, 0, len(answers))
	for _, a := range answers {
		if a.Result != nil && !a.Result.Degraded {
			usable = append(usable, a)
		}
	}

	switch len(usable) {
	case 0:
		log.Warn().Int("providers", len(answers)).Msg("Every provider degraded, no synthesis")
		return &models.AskResult{
			Text:     "[all providers unavailable] No provider produced an answer. Please try again shortly.",
			Model:    o.catalog.DefaultKey(),
			Degraded: true,
		}
	case 1:
		return usable[0].Result
	}

	var b strings.Builder
	b.WriteString(combinePrompt)
	b.WriteString("Question:\n")
	b.WriteString(lastUserContent(req.Messages))
	b.WriteString("\n\nAnswers:\n")
	for _, a := range usable {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", a.Provider, a.Result.Text)
	}

	combined, err := o.ask(ctx, &models.AskRequest{
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: b.String()}},
		Project:  req.Project,
		APIKey:   req.APIKey,
	}, "ask_all")
	if err != nil {
		// Catalog broke between fan-out and synthesis; fall back to the
		// first usable answer rather than losing the run.
		log.Error().Err(err).Msg("Synthesis call failed")
		return usable[0].Result
	}
	return combined
}

// lastUserContent digs out the question being asked.
func lastUserContent(msgs []models.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.ChatRoleUser && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	if n := len(msgs); n > 0 {
		return msgs[n-1].Content
	}
	return ""
}
