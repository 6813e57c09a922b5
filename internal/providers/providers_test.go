package providers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/internal/providers"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

const okOpenAIBody = `{
	"id": "chatcmpl-1",
	"model": "gpt-4o",
	"choices": [{"message": {"content": "hello"}}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

const okAnthropicBody = `{
	"id": "msg-1",
	"model": "claude-sonnet-4-20250514",
	"content": [{"type": "text", "text": "hello"}],
	"usage": {"input_tokens": 10, "output_tokens": 5}
}`

func captureServer(t *testing.T, status int, respBody string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode request body: %v", err)
			}
			*captured = body
		}
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAITokenParamPerModel(t *testing.T) {
	tests := []struct {
		model     string
		wantParam string
		skipParam string
	}{
		{"gpt-4o", "max_tokens", "max_completion_tokens"},
		{"gpt-5", "max_completion_tokens", "max_tokens"},
		{"o1-preview", "max_completion_tokens", "max_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			var captured map[string]any
			srv := captureServer(t, http.StatusOK, okOpenAIBody, &captured)

			d := providers.NewOpenAI(config.ProviderConfig{APIKey: "sk-test", Endpoint: srv.URL}, srv.Client())
			_, err := d.Complete(context.Background(), &providers.Request{
				Model:     tt.model,
				Messages:  []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
				MaxTokens: 256,
			})
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			if _, ok := captured[tt.wantParam]; !ok {
				t.Errorf("request for %s missing %q, body: %v", tt.model, tt.wantParam, captured)
			}
			if _, ok := captured[tt.skipParam]; ok {
				t.Errorf("request for %s must not carry %q, body: %v", tt.model, tt.skipParam, captured)
			}
		})
	}
}

func TestOpenAINilTemperatureOmitted(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, http.StatusOK, okOpenAIBody, &captured)

	d := providers.NewOpenAI(config.ProviderConfig{APIKey: "sk-test", Endpoint: srv.URL}, srv.Client())
	_, err := d.Complete(context.Background(), &providers.Request{
		Model:    "gpt-5",
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, ok := captured["temperature"]; ok {
		t.Errorf("nil temperature should be omitted from the wire, body: %v", captured)
	}
}

func TestOpenAISystemPromptPrepended(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, http.StatusOK, okOpenAIBody, &captured)

	d := providers.NewOpenAI(config.ProviderConfig{APIKey: "sk-test", Endpoint: srv.URL}, srv.Client())
	_, err := d.Complete(context.Background(), &providers.Request{
		Model:    "gpt-4o",
		System:   "be terse",
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	msgs, ok := captured["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", captured["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be terse" {
		t.Errorf("system prompt not prepended: %v", first)
	}
}

func TestAnthropicSystemPromptTopLevel(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, http.StatusOK, okAnthropicBody, &captured)

	d := providers.NewAnthropic(config.ProviderConfig{APIKey: "sk-ant", Endpoint: srv.URL}, srv.Client())
	resp, err := d.Complete(context.Background(), &providers.Request{
		Model:    "claude-sonnet-4-20250514",
		System:   "be terse",
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if captured["system"] != "be terse" {
		t.Errorf("system = %v, want top-level field", captured["system"])
	}
	if _, ok := captured["max_tokens"]; !ok {
		t.Error("anthropic requests must always carry max_tokens")
	}
	if resp.Text != "hello" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello")
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestClassifyOverloaded(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"status 529", 529, `{"error": {"type": "api_error", "message": "upstream busy"}}`},
		{"overloaded_error body", http.StatusInternalServerError, `{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := captureServer(t, tt.status, tt.body, nil)

			d := providers.NewAnthropic(config.ProviderConfig{APIKey: "sk-ant", Endpoint: srv.URL}, srv.Client())
			_, err := d.Complete(context.Background(), &providers.Request{
				Model:    "claude-sonnet-4-20250514",
				Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			ce, ok := err.(*providers.CallError)
			if !ok {
				t.Fatalf("expected *CallError, got %T", err)
			}
			if ce.Kind != providers.FailOverloaded {
				t.Errorf("Kind = %q, want %q", ce.Kind, providers.FailOverloaded)
			}
			if !ce.Overloaded() || !ce.Transient() {
				t.Error("overloaded failures must report Overloaded() and Transient()")
			}
			if !providers.IsOverloaded(err) {
				t.Error("IsOverloaded(err) = false, want true")
			}
		})
	}
}

func TestClassifyFailureKinds(t *testing.T) {
	tests := []struct {
		status     int
		want       providers.FailureKind
		overloaded bool
		transient  bool
	}{
		{http.StatusTooManyRequests, providers.FailRateLimited, true, true},
		{http.StatusUnauthorized, providers.FailAuth, false, false},
		{http.StatusBadRequest, providers.FailBadRequest, false, false},
		{http.StatusInternalServerError, providers.FailUpstream, false, true},
		{http.StatusBadGateway, providers.FailUpstream, false, true},
	}
	for _, tt := range tests {
		srv := captureServer(t, tt.status, `{"error": {"message": "nope"}}`, nil)

		d := providers.NewOpenAI(config.ProviderConfig{APIKey: "sk-test", Endpoint: srv.URL}, srv.Client())
		_, err := d.Complete(context.Background(), &providers.Request{
			Model:    "gpt-4o",
			Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
		})
		ce, ok := err.(*providers.CallError)
		if !ok {
			t.Fatalf("status %d: expected *CallError, got %T", tt.status, err)
		}
		if ce.Kind != tt.want {
			t.Errorf("status %d: Kind = %q, want %q", tt.status, ce.Kind, tt.want)
		}
		if ce.Overloaded() != tt.overloaded {
			t.Errorf("status %d: Overloaded() = %v, want %v", tt.status, ce.Overloaded(), tt.overloaded)
		}
		if ce.Transient() != tt.transient {
			t.Errorf("status %d: Transient() = %v, want %v", tt.status, ce.Transient(), tt.transient)
		}
	}
}

func TestMissingKeyFailsWithoutCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	d := providers.NewOpenAI(config.ProviderConfig{Endpoint: srv.URL}, srv.Client())
	_, err := d.Complete(context.Background(), &providers.Request{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
	})
	ce, ok := err.(*providers.CallError)
	if !ok || ce.Kind != providers.FailAuth {
		t.Fatalf("expected auth CallError, got %v", err)
	}
	if called {
		t.Error("driver must not hit the endpoint without a key")
	}
}

func TestRequestKeyOverridesConfig(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(okOpenAIBody))
	}))
	defer srv.Close()

	d := providers.NewOpenAI(config.ProviderConfig{APIKey: "sk-config", Endpoint: srv.URL}, srv.Client())
	_, err := d.Complete(context.Background(), &providers.Request{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
		APIKey:   "sk-caller",
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if gotAuth != "Bearer sk-caller" {
		t.Errorf("Authorization = %q, want caller key", gotAuth)
	}
}

func TestOllamaNeedsNoKey(t *testing.T) {
	srv := captureServer(t, http.StatusOK, okOpenAIBody, nil)

	d := providers.NewOllama(config.ProviderConfig{Endpoint: srv.URL}, srv.Client())
	resp, err := d.Complete(context.Background(), &providers.Request{
		Model:    "llama3.2",
		Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello")
	}
}

func TestRegistryBuiltins(t *testing.T) {
	cfg := &config.Config{}
	reg := providers.NewRegistry(cfg)

	for _, kind := range []models.ProviderKind{models.ProviderOpenAI, models.ProviderAnthropic, models.ProviderOllama} {
		if reg.Get(kind) == nil {
			t.Errorf("Get(%q) = nil, want built-in driver", kind)
		}
	}
	if reg.Get("nonexistent") != nil {
		t.Error("Get() for unknown kind should return nil")
	}

	kinds := reg.Kinds()
	if len(kinds) != 3 {
		t.Errorf("Kinds() = %v, want 3 entries", kinds)
	}
}
