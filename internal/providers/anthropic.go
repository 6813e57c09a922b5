package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

const (
	defaultAnthropicEndpoint  = "https://api.anthropic.com"
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicDriver calls the Anthropic messages API.
type AnthropicDriver struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewAnthropic creates the Anthropic driver.
func NewAnthropic(cfg config.ProviderConfig, client *http.Client) *AnthropicDriver {
	return &AnthropicDriver{cfg: cfg, client: client}
}

func (d *AnthropicDriver) Kind() models.ProviderKind { return models.ProviderAnthropic }

type anthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends a messages request. The system prompt travels in the
// top-level system field; messages must contain only user and assistant
// roles, which the orchestrator's normalization guarantees.
func (d *AnthropicDriver) Complete(ctx context.Context, req *Request) (*Response, error) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = d.cfg.APIKey
	}
	if apiKey == "" {
		return nil, &CallError{Provider: models.ProviderAnthropic, Kind: FailAuth, Message: "api key not configured"}
	}

	endpoint := d.cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultAnthropicEndpoint
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	anthReq := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	body, _ := json.Marshal(anthReq)

	url := endpoint + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Provider: models.ProviderAnthropic, Kind: FailBadRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, transportError(models.ProviderAnthropic, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, classify(models.ProviderAnthropic, httpResp.StatusCode, respBody)
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, &CallError{Provider: models.ProviderAnthropic, Kind: FailUpstream, Message: "decode response: " + err.Error()}
	}

	content := ""
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	model := anthResp.Model
	if model == "" {
		model = req.Model
	}

	return &Response{
		Text:  content,
		Model: model,
		Usage: models.TokenUsage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
			TotalTokens:  anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
	}, nil
}

// HealthCheck sends a minimal one-token request to validate credentials.
func (d *AnthropicDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Complete(ctx, &Request{
		Model:     "claude-3-5-haiku-20241022",
		Messages:  []models.ChatMessage{{Role: models.ChatRoleUser, Content: "Say OK"}},
		MaxTokens: 1,
	})
	return err
}
