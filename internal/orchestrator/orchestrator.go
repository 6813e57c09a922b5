// Package orchestrator executes single-turn completions with a bounded
// retry and fallback ladder.
//
// An Ask never surfaces a provider failure to its caller. The ladder is:
// primary call, then one same-model repair retry, then one call to the
// provider's fallback model, at most three underlying calls. When the
// first attempt reports an overload-class failure and short-circuiting
// is enabled, the repair retry is skipped and the fallback is called
// immediately, capping that path at two calls. Exhausting the ladder
// yields a provider-labeled sentinel string with the Degraded flag set.
// The only error an Ask can return is catalog misconfiguration.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roundtable-ai/roundtable/internal/catalog"
	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/internal/providers"
	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

var tracer = otel.Tracer("roundtable/orchestrator")

// repairInstruction is appended to the last turn before the same-model
// retry.
const repairInstruction = "Answer briefly, in plain text."

// Orchestrator is stateless between invocations; the semaphore only
// bounds how many provider calls are in flight at once.
type Orchestrator struct {
	registry *providers.Registry
	catalog  *catalog.Catalog
	store    store.Store
	cfg      *config.Config
	sem      chan struct{}
}

// New wires the orchestrator. store may be nil to disable the audit
// trail (tests).
func New(reg *providers.Registry, cat *catalog.Catalog, st store.Store, cfg *config.Config) *Orchestrator {
	size := cfg.MaxConcurrentCalls
	if size <= 0 {
		size = 8
	}
	return &Orchestrator{
		registry: reg,
		catalog:  cat,
		store:    st,
		cfg:      cfg,
		sem:      make(chan struct{}, size),
	}
}

// Ask runs one resilient completion.
func (o *Orchestrator) Ask(ctx context.Context, req *models.AskRequest) (*models.AskResult, error) {
	return o.ask(ctx, req, "ask")
}

func (o *Orchestrator) ask(ctx context.Context, req *models.AskRequest, action string) (*models.AskResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator."+action)
	defer span.End()

	desc, err := o.catalog.ResolveOrDefault(req.Model)
	if err != nil {
		// Catalog misconfiguration, the one fatal outcome.
		return nil, err
	}

	msgs := normalizeMessages(req.Messages)
	result := o.runLadder(ctx, desc, req, msgs)
	result.DurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.String("roundtable.model", string(result.Model)),
		attribute.Int("roundtable.attempts", result.Attempts),
		attribute.Bool("roundtable.degraded", result.Degraded),
	)
	o.audit(ctx, req.Project, action, result)
	return result, nil
}

// runLadder executes the attempt ladder and always produces a result.
func (o *Orchestrator) runLadder(ctx context.Context, desc *models.ModelDescriptor, req *models.AskRequest, msgs []models.ChatMessage) *models.AskResult {
	attempts := 1
	res, err := o.callModel(ctx, desc, req, msgs)
	if usable(res, err) {
		return o.result(desc, res, attempts)
	}
	log.Warn().
		Str("model", string(desc.Key)).
		Str("provider", string(desc.Provider)).
		Err(err).
		Msg("Primary model call failed")

	// Known overload: skip the repair retry, go straight to the
	// provider fallback.
	if o.cfg.Features.OverloadShortCircuit && providers.IsOverloaded(err) {
		if fb, ok := o.fallbackDescriptor(desc, req.FallbackModel); ok {
			res, err = o.callModel(ctx, fb, req, msgs)
			attempts++
			if usable(res, err) {
				log.Info().
					Str("model", string(fb.Key)).
					Msg("Overload short-circuit fallback succeeded")
				return o.result(fb, res, attempts)
			}
			log.Warn().Str("model", string(fb.Key)).Err(err).Msg("Short-circuit fallback failed")
		}
		return o.sentinel(desc, attempts)
	}

	// Same-model repair retry with a shorter-answer instruction.
	o.pause(ctx)
	repaired := withRepairInstruction(msgs)
	res, err = o.callModel(ctx, desc, req, repaired)
	attempts++
	if usable(res, err) {
		return o.result(desc, res, attempts)
	}
	log.Warn().
		Str("model", string(desc.Key)).
		Err(err).
		Msg("Repair retry failed")

	// Provider fallback model, with the repaired turn set.
	if fb, ok := o.fallbackDescriptor(desc, req.FallbackModel); ok {
		o.pause(ctx)
		res, err = o.callModel(ctx, fb, req, repaired)
		attempts++
		if usable(res, err) {
			log.Info().Str("model", string(fb.Key)).Msg("Fallback model succeeded")
			return o.result(fb, res, attempts)
		}
		log.Warn().Str("model", string(fb.Key)).Err(err).Msg("Fallback model failed")
	}

	return o.sentinel(desc, attempts)
}

// callModel issues one provider call through the bounded pool.
func (o *Orchestrator) callModel(ctx context.Context, desc *models.ModelDescriptor, req *models.AskRequest, msgs []models.ChatMessage) (*providers.Response, error) {
	driver := o.registry.Get(desc.Provider)
	if driver == nil {
		return nil, &providers.CallError{
			Provider: desc.Provider,
			Kind:     providers.FailUpstream,
			Message:  "no driver registered",
		}
	}

	maxTokens := desc.MaxOutputTokens
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		maxTokens = *req.MaxOutputTokens
	}

	temp := desc.DefaultTemperature
	if req.Temperature != nil {
		temp = req.Temperature
	}
	if o.cfg.Features.OmitReasoningTemperature && desc.Reasoning() {
		temp = nil
	}

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return nil, &providers.CallError{
			Provider: desc.Provider,
			Kind:     providers.FailTimeout,
			Message:  "call pool wait: " + ctx.Err().Error(),
		}
	}

	return driver.Complete(ctx, &providers.Request{
		Model:       desc.ModelName,
		Messages:    msgs,
		System:      req.SystemPrompt,
		Temperature: temp,
		MaxTokens:   maxTokens,
		APIKey:      req.APIKey,
	})
}

// fallbackDescriptor resolves the fallback chain for a primary model:
// per-request override, then the provider's configured fallback, then
// the hard-coded small default. A rung that resolves to the primary
// itself is skipped.
func (o *Orchestrator) fallbackDescriptor(primary *models.ModelDescriptor, override models.ModelKey) (*models.ModelDescriptor, bool) {
	candidates := []models.ModelKey{override, o.providerFallback(primary.Provider)}
	if small, err := catalog.SmallDefault(primary.Provider); err == nil {
		candidates = append(candidates, small)
	}

	for _, key := range candidates {
		if key == "" || key == primary.Key {
			continue
		}
		if d, ok := o.catalog.Lookup(key); ok && d.Key != primary.Key {
			return d, true
		}
	}
	return nil, false
}

func (o *Orchestrator) providerFallback(kind models.ProviderKind) models.ModelKey {
	switch kind {
	case models.ProviderOpenAI:
		return models.ModelKey(o.cfg.Providers.OpenAI.FallbackModel)
	case models.ProviderAnthropic:
		return models.ModelKey(o.cfg.Providers.Anthropic.FallbackModel)
	case models.ProviderOllama:
		return models.ModelKey(o.cfg.Providers.Ollama.FallbackModel)
	}
	return ""
}

// pause sleeps the fixed retry backoff, cut short by cancellation.
func (o *Orchestrator) pause(ctx context.Context) {
	if o.cfg.RetryBackoff <= 0 {
		return
	}
	t := time.NewTimer(o.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// usable accepts a call outcome. Empty text counts as a failure even on
// a nominally successful call.
func usable(res *providers.Response, err error) bool {
	return err == nil && res != nil && strings.TrimSpace(res.Text) != ""
}

func (o *Orchestrator) result(desc *models.ModelDescriptor, res *providers.Response, attempts int) *models.AskResult {
	usage := res.Usage
	usage.EstimatedCost = float64(usage.OutputTokens) / 1000.0 * desc.OutputCostPer1K
	return &models.AskResult{
		Text:     res.Text,
		Model:    desc.Key,
		Provider: desc.Provider,
		Attempts: attempts,
		Usage:    usage,
	}
}

// sentinel is the terminal failure shape: a provider-labeled guarded
// string in an otherwise normal result.
func (o *Orchestrator) sentinel(desc *models.ModelDescriptor, attempts int) *models.AskResult {
	return &models.AskResult{
		Text:     fmt.Sprintf("[%s unavailable] No response after %d attempts. Please try again shortly.", desc.Provider, attempts),
		Model:    desc.Key,
		Provider: desc.Provider,
		Attempts: attempts,
		Degraded: true,
	}
}

// audit appends one trail event, best-effort.
func (o *Orchestrator) audit(ctx context.Context, project, action string, res *models.AskResult) {
	if o.store == nil {
		return
	}
	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		Project:   project,
		Action:    action,
		Model:     res.Model,
		Provider:  res.Provider,
		Tokens:    res.Usage.TotalTokens,
		CostUSD:   res.Usage.EstimatedCost,
		Degraded:  res.Degraded,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateAuditEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Audit append failed")
	}
}

// ── Turn normalization ──────────────────────────────────────

// normalizeMessages drops empty turns and coerces the last turn to the
// user role, the shape every provider accepts.
func normalizeMessages(in []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	if n := len(out); n > 0 && out[n-1].Role != models.ChatRoleUser {
		out[n-1].Role = models.ChatRoleUser
	}
	return out
}

// withRepairInstruction folds the shorter-answer instruction into the
// last turn. A separate appended turn would break providers that
// require strict role alternation.
func withRepairInstruction(msgs []models.ChatMessage) []models.ChatMessage {
	if len(msgs) == 0 {
		return []models.ChatMessage{{Role: models.ChatRoleUser, Content: repairInstruction}}
	}
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	out[len(out)-1].Content += "\n\n" + repairInstruction
	return out
}
