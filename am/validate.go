package am

import (
	"strings"

	"github.com/teranos/quill/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Zero workers would never admit a job
	if c.Pulse.Workers <= 0 {
		return errors.Newf("pulse.workers must be > 0, got %d", c.Pulse.Workers)
	}

	if err := validateBackendIDs("gateway.backends", c.Gateway.Backends); err != nil {
		return err
	}
	for stage, ids := range c.Gateway.Stages {
		if err := validateBackendIDs("gateway.stages."+stage, ids); err != nil {
			return err
		}
	}
	for family, rps := range c.Gateway.RateLimits {
		if rps < 0 {
			return errors.Newf("gateway.rate_limits.%s must be >= 0, got %f", family, rps)
		}
	}
	if c.Gateway.RateBurst < 0 {
		return errors.Newf("gateway.rate_burst must be >= 0, got %d", c.Gateway.RateBurst)
	}

	if c.Quality.MinWordRatio < 0 || c.Quality.MinWordRatio > 1 {
		return errors.Newf("quality.min_word_ratio must be within [0, 1], got %f", c.Quality.MinWordRatio)
	}

	if c.LocalInference.TimeoutSeconds < 0 {
		return errors.Newf("local_inference.timeout_seconds must be >= 0, got %d", c.LocalInference.TimeoutSeconds)
	}
	if c.Publish.TimeoutSeconds < 0 {
		return errors.Newf("publish.timeout_seconds must be >= 0, got %d", c.Publish.TimeoutSeconds)
	}

	if c.Images.TimeoutSeconds < 0 {
		return errors.Newf("images.timeout_seconds must be >= 0, got %d", c.Images.TimeoutSeconds)
	}
	if c.Images.URL != "" && !strings.HasPrefix(c.Images.URL, "http://") && !strings.HasPrefix(c.Images.URL, "https://") {
		return errors.Newf("images.url must be an http(s) URL, got %q", c.Images.URL)
	}

	for key, site := range c.Sites {
		if site.PublishURL != "" && !strings.HasPrefix(site.PublishURL, "http://") && !strings.HasPrefix(site.PublishURL, "https://") {
			return errors.Newf("sites.%s.publish_url must be an http(s) URL, got %q", key, site.PublishURL)
		}
	}

	return nil
}

func validateBackendIDs(field string, ids []string) error {
	for _, id := range ids {
		family, model, ok := strings.Cut(id, "/")
		if !ok || family == "" || model == "" {
			return errors.Newf("%s: backend %q must have the form <family>/<model>", field, id)
		}
	}
	return nil
}
