package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/quill/ai/openrouter"
	"github.com/teranos/quill/am"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/internal/httpclient"
)

// LocalProvider talks to a local inference server.
// Supports Ollama, LocalAI, or any OpenAI-compatible local endpoint.
type LocalProvider struct {
	baseURL    string
	httpClient *httpclient.SaferClient
	config     am.LocalInferenceConfig
}

// NewLocalProvider creates a provider for local inference. Private and
// loopback addresses are allowed since that is where local servers live.
func NewLocalProvider(cfg am.LocalInferenceConfig) *LocalProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &LocalProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpclient.New(httpclient.Options{Timeout: timeout, AllowPrivateIP: true}),
		config:     cfg,
	}
}

// ChatCompletionRequest matches OpenAI API format (Ollama is compatible)
type ChatCompletionRequest struct {
	Model          string                     `json:"model"`
	Messages       []ChatMessage              `json:"messages"`
	Stream         bool                       `json:"stream"`
	Temperature    *float64                   `json:"temperature,omitempty"`
	MaxTokens      int                        `json:"max_tokens,omitempty"`
	ResponseFormat *openrouter.ResponseFormat `json:"response_format,omitempty"`
	Options        *CompletionOpts            `json:"options,omitempty"` // Ollama-specific options
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionOpts struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"num_predict,omitempty"` // Ollama uses num_predict
	NumCtx      int      `json:"num_ctx,omitempty"`     // Context window size (Ollama default: 4096)
}

// ChatCompletionResponse matches OpenAI API format
type ChatCompletionResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *openrouter.Usage `json:"usage,omitempty"`
}

// Chat implements AIClient for local inference
func (lp *LocalProvider) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	if req.Model == nil || *req.Model == "" {
		return nil, errors.New("local inference requires a model name")
	}

	temperature := lp.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := lp.config.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	messages := []ChatMessage{{Role: "user", Content: req.UserPrompt}}
	if req.SystemPrompt != "" {
		messages = append([]ChatMessage{{Role: "system", Content: req.SystemPrompt}}, messages...)
	}

	reqBody := ChatCompletionRequest{
		Model:       *req.Model,
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   maxTokens,
		Options: &CompletionOpts{
			Temperature: &temperature,
			MaxTokens:   maxTokens,
			NumCtx:      lp.config.ContextSize,
		},
	}
	if req.JSONMode {
		reqBody.ResponseFormat = &openrouter.ResponseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	endpoint := lp.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := lp.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "local inference request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.WithStack(&openrouter.StatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var completion ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("no completion choices returned")
	}

	out := &openrouter.ChatResponse{Content: strings.TrimSpace(completion.Choices[0].Message.Content)}
	if completion.Usage != nil {
		out.Usage = *completion.Usage
	}
	return out, nil
}
