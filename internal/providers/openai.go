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

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAIDriver calls the OpenAI chat completions API.
type OpenAIDriver struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewOpenAI creates the OpenAI driver.
func NewOpenAI(cfg config.ProviderConfig, client *http.Client) *OpenAIDriver {
	return &OpenAIDriver{cfg: cfg, client: client}
}

func (d *OpenAIDriver) Kind() models.ProviderKind { return models.ProviderOpenAI }

type openAIRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`

	// Reasoning models reject max_tokens and require max_completion_tokens.
	MaxTokens           int `json:"max_tokens,omitempty"`
	MaxCompletionTokens int `json:"max_completion_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends a chat completion request. The system prompt travels as a
// leading system-role message, per the OpenAI wire format.
func (d *OpenAIDriver) Complete(ctx context.Context, req *Request) (*Response, error) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = d.cfg.APIKey
	}
	if apiKey == "" {
		return nil, &CallError{Provider: models.ProviderOpenAI, Kind: FailAuth, Message: "api key not configured"}
	}

	endpoint := d.cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}

	msgs := req.Messages
	if req.System != "" {
		msgs = append([]models.ChatMessage{{Role: models.ChatRoleSystem, Content: req.System}}, msgs...)
	}

	oaiReq := openAIRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if models.IsReasoningModel(req.Model) {
		oaiReq.MaxCompletionTokens = req.MaxTokens
	} else {
		oaiReq.MaxTokens = req.MaxTokens
	}

	body, _ := json.Marshal(oaiReq)

	url := endpoint + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Provider: models.ProviderOpenAI, Kind: FailBadRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, transportError(models.ProviderOpenAI, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, classify(models.ProviderOpenAI, httpResp.StatusCode, respBody)
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, &CallError{Provider: models.ProviderOpenAI, Kind: FailUpstream, Message: "decode response: " + err.Error()}
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

// HealthCheck lists models to validate the endpoint and credentials.
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	if d.cfg.APIKey == "" {
		return &CallError{Provider: models.ProviderOpenAI, Kind: FailAuth, Message: "api key not configured"}
	}

	endpoint := d.cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return transportError(models.ProviderOpenAI, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return classify(models.ProviderOpenAI, httpResp.StatusCode, respBody)
	}
	return nil
}
