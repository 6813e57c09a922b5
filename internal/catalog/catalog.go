// Package catalog holds the model catalog: the closed table mapping logical
// model keys to provider descriptors.
//
// The table is assembled once at startup from two sources:
//
//  1. Built-in defaults: a small set of well-known models so the engine
//     works with zero configuration.
//  2. An optional YAML overlay file (ROUNDTABLE_CATALOG_FILE) whose entries
//     add to or replace built-ins by key.
//
// After construction the catalog is immutable, so lookups need no locking.
// An unknown requested key falls back to the configured default key; a
// default key with no entry is the engine's single fatal configuration
// error and aborts construction.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Catalog is the read-only model lookup table.
type Catalog struct {
	byKey      map[models.ModelKey]*models.ModelDescriptor
	defaultKey models.ModelKey
}

// New builds the catalog from built-ins plus the configured overlay file
// and verifies the default model key resolves.
func New(cfg *config.Config) (*Catalog, error) {
	c := &Catalog{
		byKey:      make(map[models.ModelKey]*models.ModelDescriptor),
		defaultKey: models.ModelKey(cfg.DefaultModel),
	}

	for _, d := range builtinDescriptors() {
		c.byKey[d.Key] = d
	}

	if cfg.CatalogFile != "" {
		if err := c.applyOverlay(cfg.CatalogFile); err != nil {
			return nil, fmt.Errorf("catalog overlay %s: %w", cfg.CatalogFile, err)
		}
	}

	if _, ok := c.byKey[c.defaultKey]; !ok {
		return nil, fmt.Errorf("default model %q has no catalog entry", c.defaultKey)
	}

	log.Info().
		Int("models", len(c.byKey)).
		Str("default", string(c.defaultKey)).
		Msg("Model catalog loaded")
	return c, nil
}

// NewFromDescriptors builds a catalog directly from descriptors without
// validating the default key. The programmatic construction path; the
// default-key check happens lazily in ResolveOrDefault.
func NewFromDescriptors(defaultKey models.ModelKey, descs ...*models.ModelDescriptor) *Catalog {
	c := &Catalog{
		byKey:      make(map[models.ModelKey]*models.ModelDescriptor, len(descs)),
		defaultKey: defaultKey,
	}
	for _, d := range descs {
		c.byKey[d.Key] = d
	}
	return c
}

// Lookup returns the descriptor for a logical key.
func (c *Catalog) Lookup(key models.ModelKey) (*models.ModelDescriptor, bool) {
	d, ok := c.byKey[key]
	return d, ok
}

// ResolveOrDefault returns the descriptor for key, falling back to the
// default model on an unknown key. A missing default entry is the fatal
// configuration error, the only error this package surfaces at runtime.
func (c *Catalog) ResolveOrDefault(key models.ModelKey) (*models.ModelDescriptor, error) {
	if key != "" {
		if d, ok := c.byKey[key]; ok {
			return d, nil
		}
		log.Warn().
			Str("model", string(key)).
			Str("default", string(c.defaultKey)).
			Msg("Unknown model key, using default")
	}
	if d, ok := c.byKey[c.defaultKey]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("model %q unknown and default model %q has no catalog entry", key, c.defaultKey)
}

// DefaultKey returns the configured default logical key.
func (c *Catalog) DefaultKey() models.ModelKey {
	return c.defaultKey
}

// List returns all descriptors ordered by key.
func (c *Catalog) List() []*models.ModelDescriptor {
	out := make([]*models.ModelDescriptor, 0, len(c.byKey))
	for _, d := range c.byKey {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// DefaultForProvider returns the first catalog model belonging to a
// provider kind, preferring the configured default model when it matches.
// Used by the ask-all path to pick one representative model per back-end.
func (c *Catalog) DefaultForProvider(kind models.ProviderKind) (*models.ModelDescriptor, bool) {
	if d, ok := c.byKey[c.defaultKey]; ok && d.Provider == kind {
		return d, true
	}
	var best *models.ModelDescriptor
	for _, d := range c.byKey {
		if d.Provider != kind {
			continue
		}
		if best == nil || d.Key < best.Key {
			best = d
		}
	}
	return best, best != nil
}

// SmallDefault is the hard-coded small/fast fallback model per provider
// kind, used as the last rung of the fallback chain. The switch is
// exhaustive over the closed ProviderKind set.
func SmallDefault(kind models.ProviderKind) (models.ModelKey, error) {
	switch kind {
	case models.ProviderOpenAI:
		return models.ModelGPT4oMini, nil
	case models.ProviderAnthropic:
		return models.ModelClaudeHaiku, nil
	case models.ProviderOllama:
		return models.ModelLlama, nil
	default:
		return "", fmt.Errorf("no fallback default for provider kind %q", kind)
	}
}

// ── Overlay File ────────────────────────────────────────────

// overlayFile is the YAML shape of a catalog overlay.
type overlayFile struct {
	DefaultModel string         `yaml:"default_model"`
	Models       []overlayEntry `yaml:"models"`
}

type overlayEntry struct {
	Key                string   `yaml:"key"`
	Provider           string   `yaml:"provider"`
	ModelName          string   `yaml:"model_name"`
	DefaultTemperature *float64 `yaml:"default_temperature"`
	MaxOutputTokens    int      `yaml:"max_output_tokens"`
	OutputCostPer1K    float64  `yaml:"output_cost_per_1k"`
}

func (c *Catalog) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file overlayFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	for _, e := range file.Models {
		if e.Key == "" || e.ModelName == "" {
			return fmt.Errorf("entry missing key or model_name")
		}
		kind := models.ProviderKind(e.Provider)
		if !kind.Known() {
			return fmt.Errorf("model %q: unknown provider kind %q", e.Key, e.Provider)
		}
		d := &models.ModelDescriptor{
			Key:                models.ModelKey(e.Key),
			Provider:           kind,
			ModelName:          e.ModelName,
			DefaultTemperature: e.DefaultTemperature,
			MaxOutputTokens:    e.MaxOutputTokens,
			OutputCostPer1K:    e.OutputCostPer1K,
		}
		if d.MaxOutputTokens <= 0 {
			d.MaxOutputTokens = 4096
		}
		c.byKey[d.Key] = d
	}

	if file.DefaultModel != "" {
		c.defaultKey = models.ModelKey(file.DefaultModel)
	}

	log.Debug().Int("entries", len(file.Models)).Str("file", path).Msg("Catalog overlay applied")
	return nil
}

// ── Built-in Defaults ───────────────────────────────────────

func f64(v float64) *float64 { return &v }

// builtinDescriptors registers the well-known models so the engine works
// immediately without an overlay file. Reasoning families carry a nil
// default temperature: the parameter is omitted on the wire for them.
func builtinDescriptors() []*models.ModelDescriptor {
	return []*models.ModelDescriptor{
		// OpenAI
		{Key: models.ModelGPT5, Provider: models.ProviderOpenAI, ModelName: "gpt-5",
			MaxOutputTokens: 16384, OutputCostPer1K: 0.015},
		{Key: models.ModelGPT5Mini, Provider: models.ProviderOpenAI, ModelName: "gpt-5-mini",
			MaxOutputTokens: 16384, OutputCostPer1K: 0.0016},
		{Key: models.ModelGPT4o, Provider: models.ProviderOpenAI, ModelName: "gpt-4o",
			DefaultTemperature: f64(0.7), MaxOutputTokens: 16384, OutputCostPer1K: 0.01},
		{Key: models.ModelGPT4oMini, Provider: models.ProviderOpenAI, ModelName: "gpt-4o-mini",
			DefaultTemperature: f64(0.7), MaxOutputTokens: 16384, OutputCostPer1K: 0.0006},

		// Anthropic
		{Key: models.ModelClaudeOpus, Provider: models.ProviderAnthropic, ModelName: "claude-opus-4-20250514",
			DefaultTemperature: f64(0.7), MaxOutputTokens: 32000, OutputCostPer1K: 0.075},
		{Key: models.ModelClaudeSonnet, Provider: models.ProviderAnthropic, ModelName: "claude-sonnet-4-20250514",
			DefaultTemperature: f64(0.7), MaxOutputTokens: 8192, OutputCostPer1K: 0.015},
		{Key: models.ModelClaudeHaiku, Provider: models.ProviderAnthropic, ModelName: "claude-3-5-haiku-20241022",
			DefaultTemperature: f64(0.7), MaxOutputTokens: 8192, OutputCostPer1K: 0.005},

		// Ollama (local, zero cost)
		{Key: models.ModelLlama, Provider: models.ProviderOllama, ModelName: "llama3.2",
			DefaultTemperature: f64(0.8), MaxOutputTokens: 4096},
	}
}
