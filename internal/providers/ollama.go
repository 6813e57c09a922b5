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

const defaultOllamaEndpoint = "http://localhost:11434"

// OllamaDriver calls a local Ollama daemon through its OpenAI-compatible
// chat completions endpoint. No credentials are required.
type OllamaDriver struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewOllama creates the Ollama driver.
func NewOllama(cfg config.ProviderConfig, client *http.Client) *OllamaDriver {
	return &OllamaDriver{cfg: cfg, client: client}
}

func (d *OllamaDriver) Kind() models.ProviderKind { return models.ProviderOllama }

// Complete sends an OpenAI-shaped chat completion to the local daemon.
func (d *OllamaDriver) Complete(ctx context.Context, req *Request) (*Response, error) {
	endpoint := d.cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}

	msgs := req.Messages
	if req.System != "" {
		msgs = append([]models.ChatMessage{{Role: models.ChatRoleSystem, Content: req.System}}, msgs...)
	}

	body, _ := json.Marshal(openAIRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})

	url := endpoint + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Provider: models.ProviderOllama, Kind: FailBadRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, transportError(models.ProviderOllama, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, classify(models.ProviderOllama, httpResp.StatusCode, respBody)
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, &CallError{Provider: models.ProviderOllama, Kind: FailUpstream, Message: "decode response: " + err.Error()}
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	model := oaiResp.Model
	if model == "" {
		model = req.Model
	}

	return &Response{
		Text:  content,
		Model: model,
		Usage: models.TokenUsage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:  oaiResp.Usage.TotalTokens,
		},
	}, nil
}

// HealthCheck verifies the daemon is reachable by listing local models.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	endpoint := d.cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return transportError(models.ProviderOllama, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return classify(models.ProviderOllama, httpResp.StatusCode, respBody)
	}
	return nil
}
