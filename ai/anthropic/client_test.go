package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/quill/ai/openrouter"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, RetryDelay: time.Millisecond})
	client.SetHTTPClient(server.Client())
	return client
}

func TestChat(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))

		var req MessagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-5-haiku-latest", req.Model)
		require.NotNil(t, req.Temperature)
		assert.Equal(t, 0.0, *req.Temperature)
		assert.Contains(t, req.System, "house style")
		assert.Contains(t, req.System, jsonModeInstruction)

		json.NewEncoder(w).Encode(MessagesResponse{
			Content: []ContentBlock{{Type: "text", Text: `{"ok":`}, {Type: "text", Text: `true}`}},
			Usage:   Usage{InputTokens: 120, OutputTokens: 8},
		})
	})

	zero := 0.0
	resp, err := client.Chat(context.Background(), openrouter.ChatRequest{
		SystemPrompt: "house style",
		UserPrompt:   "brief",
		Temperature:  &zero,
		JSONMode:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 120, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, 128, resp.Usage.TotalTokens)
}

func TestChatRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{}).Chat(context.Background(), openrouter.ChatRequest{UserPrompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not configured")
}

func TestChatRetriesOverload(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(529)
			return
		}
		json.NewEncoder(w).Encode(MessagesResponse{Content: []ContentBlock{{Type: "text", Text: "done"}}})
	})

	resp, err := client.Chat(context.Background(), openrouter.ChatRequest{UserPrompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCatalog(t *testing.T) {
	p, ok := GetPricing(DefaultModel)
	require.True(t, ok)
	assert.Equal(t, 0.80, p.InputPrice)
	assert.NotEmpty(t, Catalog())
}
