package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/roundtable-ai/roundtable/internal/catalog"
	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

func baseConfig() *config.Config {
	return &config.Config{DefaultModel: "claude-sonnet"}
}

func TestLookupBuiltins(t *testing.T) {
	c, err := catalog.New(baseConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	d, ok := c.Lookup(models.ModelClaudeSonnet)
	if !ok {
		t.Fatal("Lookup(claude-sonnet) not found")
	}
	if d.Provider != models.ProviderAnthropic {
		t.Errorf("Provider = %q, want %q", d.Provider, models.ProviderAnthropic)
	}
	if d.ModelName != "claude-sonnet-4-20250514" {
		t.Errorf("ModelName = %q, want the dated anthropic name", d.ModelName)
	}
	if d.DefaultTemperature == nil {
		t.Error("claude-sonnet should carry a default temperature")
	}
}

func TestReasoningModelsOmitTemperature(t *testing.T) {
	c, err := catalog.New(baseConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	d, ok := c.Lookup(models.ModelGPT5)
	if !ok {
		t.Fatal("Lookup(gpt-5) not found")
	}
	if d.DefaultTemperature != nil {
		t.Errorf("gpt-5 DefaultTemperature = %v, want nil (reasoning family)", *d.DefaultTemperature)
	}
	if !d.Reasoning() {
		t.Error("gpt-5 should be identified as a reasoning model")
	}
}

func TestResolveOrDefaultFallsBack(t *testing.T) {
	c, err := catalog.New(baseConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	d, err := c.ResolveOrDefault("no-such-model")
	if err != nil {
		t.Fatalf("ResolveOrDefault() error = %v", err)
	}
	if d.Key != models.ModelClaudeSonnet {
		t.Errorf("fallback key = %q, want default %q", d.Key, models.ModelClaudeSonnet)
	}
}

func TestMissingDefaultIsFatal(t *testing.T) {
	cfg := baseConfig()
	cfg.DefaultModel = "does-not-exist"
	if _, err := catalog.New(cfg); err == nil {
		t.Fatal("New() with unknown default model should fail")
	}
}

func TestResolveOrDefaultErrorWithoutDefaultEntry(t *testing.T) {
	c := catalog.NewFromDescriptors("missing",
		&models.ModelDescriptor{Key: "only", Provider: models.ProviderOllama, ModelName: "only"})

	if _, err := c.ResolveOrDefault("also-missing"); err == nil {
		t.Fatal("ResolveOrDefault() should fail when neither key nor default resolve")
	}
	if _, err := c.ResolveOrDefault("only"); err != nil {
		t.Fatalf("ResolveOrDefault(known) error = %v", err)
	}
}

func TestOverlayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	overlay := `
default_model: team-model
models:
  - key: team-model
    provider: ollama
    model_name: qwen2.5-coder
    default_temperature: 0.4
    max_output_tokens: 2048
  - key: claude-sonnet
    provider: anthropic
    model_name: claude-sonnet-4-20250514
    max_output_tokens: 4096
    output_cost_per_1k: 0.02
`
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig()
	cfg.CatalogFile = path
	c, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("New() with overlay error = %v", err)
	}

	if c.DefaultKey() != "team-model" {
		t.Errorf("DefaultKey() = %q, want overlay default", c.DefaultKey())
	}

	d, ok := c.Lookup("team-model")
	if !ok {
		t.Fatal("overlay model not found")
	}
	if d.Provider != models.ProviderOllama || d.MaxOutputTokens != 2048 {
		t.Errorf("overlay entry = %+v, want ollama/2048", d)
	}

	// Overridden builtin
	replaced, _ := c.Lookup(models.ModelClaudeSonnet)
	if replaced.MaxOutputTokens != 4096 {
		t.Errorf("overridden ceiling = %d, want 4096", replaced.MaxOutputTokens)
	}
	if replaced.DefaultTemperature != nil {
		t.Error("overlay without temperature should leave it nil")
	}
}

func TestOverlayRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	overlay := `
models:
  - key: bad
    provider: watson
    model_name: bad
`
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig()
	cfg.CatalogFile = path
	if _, err := catalog.New(cfg); err == nil {
		t.Fatal("New() should reject unknown provider kind in overlay")
	}
}

func TestSmallDefault(t *testing.T) {
	cases := map[models.ProviderKind]models.ModelKey{
		models.ProviderOpenAI:    models.ModelGPT4oMini,
		models.ProviderAnthropic: models.ModelClaudeHaiku,
		models.ProviderOllama:    models.ModelLlama,
	}
	for kind, want := range cases {
		got, err := catalog.SmallDefault(kind)
		if err != nil {
			t.Fatalf("SmallDefault(%s) error = %v", kind, err)
		}
		if got != want {
			t.Errorf("SmallDefault(%s) = %q, want %q", kind, got, want)
		}
	}
	if _, err := catalog.SmallDefault("bedrock"); err == nil {
		t.Error("SmallDefault(unknown) should fail")
	}
}

func TestDefaultForProvider(t *testing.T) {
	c, err := catalog.New(baseConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Default model is anthropic, so anthropic resolves to it.
	d, ok := c.DefaultForProvider(models.ProviderAnthropic)
	if !ok || d.Key != models.ModelClaudeSonnet {
		t.Errorf("DefaultForProvider(anthropic) = %v, want claude-sonnet", d)
	}

	// Other providers get their lexically-first model.
	d, ok = c.DefaultForProvider(models.ProviderOpenAI)
	if !ok || d.Provider != models.ProviderOpenAI {
		t.Errorf("DefaultForProvider(openai) = %v, want an openai model", d)
	}
}
