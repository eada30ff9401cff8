// Package imagegen renders image prompts through an external image service.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/quill/am"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/internal/httpclient"
	"github.com/teranos/quill/logger"
	"github.com/teranos/quill/pipeline"
	"github.com/teranos/quill/publish"
	"github.com/teranos/quill/version"
)

// Webhook POSTs each prompt to the configured image service, which answers
// with {"url": "...", "alt_text": "..."}.
type Webhook struct {
	url    string
	token  string
	client *httpclient.SaferClient
	logger *zap.SugaredLogger
}

// NewWebhook returns a generator for cfg, or nil when no URL is configured
func NewWebhook(cfg am.ImagesConfig) *Webhook {
	if cfg.URL == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Webhook{
		url:    cfg.URL,
		token:  cfg.Token,
		client: httpclient.New(httpclient.Options{Timeout: timeout, AllowPrivateIP: cfg.AllowPrivateNetworks}),
		logger: logger.ComponentLogger("imagegen"),
	}
}

// SetHTTPClient allows overriding the HTTP client for testing
func (w *Webhook) SetHTTPClient(client *http.Client) {
	w.client = httpclient.Wrap(client)
}

type imageRequest struct {
	Prompt  string `json:"prompt"`
	AltText string `json:"alt_text"`
}

// GenerateImage implements pipeline.ImageGenerator
func (w *Webhook) GenerateImage(ctx context.Context, prompt pipeline.ImagePrompt) (publish.Image, error) {
	body, err := json.Marshal(imageRequest{Prompt: prompt.Prompt, AltText: prompt.AltText})
	if err != nil {
		return publish.Image{}, errors.Wrap(err, "failed to marshal image request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return publish.Image{}, errors.Wrap(err, "failed to create image request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return publish.Image{}, errors.Wrap(err, "image service request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return publish.Image{}, errors.Newf("image service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var img publish.Image
	if err := json.Unmarshal(respBody, &img); err != nil {
		return publish.Image{}, errors.Wrap(err, "invalid image service response")
	}
	if img.URL == "" {
		return publish.Image{}, errors.New("image service returned no url")
	}

	w.logger.Debugw("Image generated",
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		"url", img.URL)
	return img, nil
}

var _ pipeline.ImageGenerator = (*Webhook)(nil)
