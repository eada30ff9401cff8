package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/internal/httpclient"
)

// apiClient talks to a running quill serve process. Admission state lives
// in that process, so commands that enqueue or retry go through it.
type apiClient struct {
	base string
	http *httpclient.SaferClient
}

// newAPIClient targets --server, falling back to the configured address
func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	addr, _ := cmd.Flags().GetString("server")
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.GetServerAddress()
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		base: strings.TrimRight(addr, "/"),
		http: httpclient.New(httpclient.Options{
			Timeout:        30 * time.Second,
			AllowPrivateIP: true,
		}),
	}, nil
}

// do sends a request and decodes a JSON response into out (when non-nil)
func (c *apiClient) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to reach quill server at %s", c.base),
			"start it with `quill serve` or pass --server")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return errors.Newf("%s %s: %s (HTTP %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return errors.Newf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

// jsonBody encodes a request body
func jsonBody(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}
	return data, nil
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "quill server address (default: server.address from config)")
}
