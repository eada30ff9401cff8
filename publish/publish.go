// Package publish hands finished articles to the site that will host them.
package publish

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
	"github.com/teranos/quill/version"
)

// ErrNoPublishURL is returned for sites without a publish_url
var ErrNoPublishURL = errors.New("site has no publish URL")

// Article is the assembled output of a successful pipeline run
type Article struct {
	JobID           string   `json:"job_id"`
	Site            string   `json:"site"`
	Language        string   `json:"language"`
	Category        string   `json:"category,omitempty"`
	Title           string   `json:"title"`
	Slug            string   `json:"slug"`
	MetaDescription string   `json:"meta_description"`
	BodyHTML        string   `json:"body_html"`
	Tags            []string `json:"tags"`
	Images          []Image  `json:"images,omitempty"`
	FAQ             []FAQ    `json:"faq,omitempty"`
}

// Image references a generated image
type Image struct {
	URL     string `json:"url"`
	AltText string `json:"alt_text"`
}

// FAQ is one question/answer pair
type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Publisher delivers an article and returns where it was published
type Publisher interface {
	Publish(ctx context.Context, site am.SiteConfig, article Article) (location string, err error)
}

// Webhook POSTs the article as JSON to the site's publish URL. The
// receiver answers with {"location": "..."}, or a Location header.
type Webhook struct {
	client *httpclient.SaferClient
	token  string
	logger *zap.SugaredLogger
}

// NewWebhook creates a webhook publisher from the publish config
func NewWebhook(cfg am.PublishConfig) *Webhook {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Webhook{
		client: httpclient.New(httpclient.Options{Timeout: timeout, AllowPrivateIP: cfg.AllowPrivateNetworks}),
		token:  cfg.Token,
		logger: logger.ComponentLogger("publish"),
	}
}

// SetHTTPClient allows overriding the HTTP client for testing
func (w *Webhook) SetHTTPClient(client *http.Client) {
	w.client = httpclient.Wrap(client)
}

type webhookResponse struct {
	Location string `json:"location"`
}

// Publish implements Publisher
func (w *Webhook) Publish(ctx context.Context, site am.SiteConfig, article Article) (string, error) {
	if site.PublishURL == "" {
		return "", errors.Mark(errors.Newf("site %s has no publish_url configured", site.Name), ErrNoPublishURL)
	}

	body, err := json.Marshal(article)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal article")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, site.PublishURL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create publish request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", article.JobID)
	req.Header.Set("User-Agent", version.UserAgent())
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to publish to %s", site.Name)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Newf("publish to %s failed with status %d: %s", site.Name, resp.StatusCode, string(respBody))
	}

	var out webhookResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return "", errors.Wrapf(err, "invalid publish response from %s", site.Name)
		}
	}
	if out.Location == "" {
		out.Location = resp.Header.Get("Location")
	}
	if out.Location == "" {
		return "", errors.Newf("publish to %s returned no location", site.Name)
	}

	w.logger.Infow("Article published",
		logger.FieldJobID, article.JobID,
		logger.FieldSite, site.Name,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		"location", out.Location)
	return out.Location, nil
}

var _ Publisher = (*Webhook)(nil)
