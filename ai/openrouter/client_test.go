package openrouter

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/quill/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, RetryDelay: time.Millisecond})
	client.SetHTTPClient(server.Client())
	return client
}

func TestClient_Configuration(t *testing.T) {
	t.Run("applies default values", func(t *testing.T) {
		client := NewClient(Config{APIKey: "test-key"})

		assert.Equal(t, DefaultModel, client.config.Model)
		assert.Equal(t, DefaultBaseURL, client.baseURL)
		assert.Equal(t, 0.7, *client.config.Temperature)
		assert.Equal(t, 4096, *client.config.MaxTokens)
		assert.Equal(t, "quill", client.config.Title)
	})

	t.Run("preserves custom values", func(t *testing.T) {
		temp := 0.3
		tokens := 2000
		client := NewClient(Config{
			APIKey:      "test-key",
			BaseURL:     "https://proxy.example.com/v1/",
			Model:       "custom/model",
			Temperature: &temp,
			MaxTokens:   &tokens,
		})

		assert.Equal(t, "custom/model", client.config.Model)
		assert.Equal(t, "https://proxy.example.com/v1", client.baseURL)
		assert.Equal(t, 0.3, *client.config.Temperature)
		assert.Equal(t, 2000, *client.config.MaxTokens)
	})

	t.Run("IsConfigured reflects API key", func(t *testing.T) {
		assert.True(t, NewClient(Config{APIKey: "k"}).IsConfigured())
		assert.False(t, NewClient(Config{}).IsConfigured())
	})
}

func TestClient_Chat(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			assert.Equal(t, "quill", r.Header.Get("X-Title"))

			var req ChatCompletionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Nil(t, req.ResponseFormat)

			json.NewEncoder(w).Encode(ChatCompletionResponse{
				Choices: []Choice{{Message: Message{Role: "assistant", Content: "  Test response  "}}},
				Usage:   Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			})
		})

		resp, err := client.Chat(context.Background(), ChatRequest{
			SystemPrompt: "You are a test assistant",
			UserPrompt:   "Hello, world!",
		})
		require.NoError(t, err)
		assert.Equal(t, "Test response", resp.Content)
		assert.Equal(t, 10, resp.Usage.PromptTokens)
		assert.Equal(t, 20, resp.Usage.CompletionTokens)
	})

	t.Run("empty API key returns error", func(t *testing.T) {
		_, err := NewClient(Config{}).Chat(context.Background(), ChatRequest{UserPrompt: "Hello"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API key not configured")
	})

	t.Run("explicit zero temperature and JSON mode are sent", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var raw map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))

			assert.Equal(t, 0.0, raw["temperature"], "zero must not be omitted")
			assert.Equal(t, "custom/model", raw["model"])
			assert.Equal(t, map[string]interface{}{"type": "json_object"}, raw["response_format"])

			json.NewEncoder(w).Encode(ChatCompletionResponse{Choices: []Choice{{Message: Message{Content: "{}"}}}})
		})

		zero := 0.0
		model := "custom/model"
		_, err := client.Chat(context.Background(), ChatRequest{
			UserPrompt:  "test",
			Temperature: &zero,
			Model:       &model,
			JSONMode:    true,
		})
		require.NoError(t, err)
	})

	t.Run("empty choices", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ChatCompletionResponse{})
		})

		_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "test"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no response choices")
	})

	t.Run("malformed JSON response", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("invalid json"))
		})

		_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "test"})
		assert.Error(t, err)
	})
}

func TestClient_RetryLogic(t *testing.T) {
	t.Run("retries server errors then succeeds", func(t *testing.T) {
		var calls int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(ChatCompletionResponse{Choices: []Choice{{Message: Message{Content: "ok"}}}})
		})

		resp, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "test"})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "bad key", http.StatusUnauthorized)
		})

		_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "test"})
		require.Error(t, err)
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})

	t.Run("error classification", func(t *testing.T) {
		cases := []struct {
			err       error
			retryable bool
		}{
			{&net.DNSError{Err: "no such host", IsTimeout: true}, true},
			{&net.DNSError{Err: "no such host", IsTimeout: false}, false},
			{&StatusError{StatusCode: 429}, true},
			{&StatusError{StatusCode: 502}, true},
			{&StatusError{StatusCode: 400}, false},
			{errors.New("read: connection reset by peer"), true},
			{errors.New("invalid json"), false},
			{context.Canceled, false},
			{nil, false},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.retryable, IsRetryableError(tc.err), "%v", tc.err)
		}
	})
}
