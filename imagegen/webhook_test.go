package imagegen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/quill/am"
	"github.com/teranos/quill/pipeline"
	"github.com/teranos/quill/version"
)

func newWebhook(t *testing.T, handler http.HandlerFunc) *Webhook {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	w := NewWebhook(am.ImagesConfig{URL: server.URL + "/render", Token: "secret"})
	require.NotNil(t, w)
	w.SetHTTPClient(server.Client())
	return w
}

func TestNewWebhookWithoutURLIsDisabled(t *testing.T) {
	assert.Nil(t, NewWebhook(am.ImagesConfig{}))
}

func TestGenerateImage(t *testing.T) {
	w := newWebhook(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/render", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, version.UserAgent(), r.Header.Get("User-Agent"))

		var req imageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "A moka pot on a gas stove", req.Prompt)

		rw.Write([]byte(`{"url":"https://cdn.example.com/moka.png"}`))
	})

	img, err := w.GenerateImage(context.Background(), pipeline.ImagePrompt{Prompt: "A moka pot on a gas stove", AltText: "Moka pot"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/moka.png", img.URL)
	assert.Empty(t, img.AltText, "the runner falls back to the prompt's alt text")
}

func TestGenerateImageFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"non-2xx", func(rw http.ResponseWriter, r *http.Request) {
			http.Error(rw, "quota exhausted", http.StatusTooManyRequests)
		}, "status 429"},
		{"no url", func(rw http.ResponseWriter, r *http.Request) {
			rw.Write([]byte(`{"alt_text":"x"}`))
		}, "no url"},
		{"not json", func(rw http.ResponseWriter, r *http.Request) {
			rw.Write([]byte(`<html>`))
		}, "invalid image service response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWebhook(t, tt.handler)
			_, err := w.GenerateImage(context.Background(), pipeline.ImagePrompt{Prompt: "A latte art heart", AltText: "Latte"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
