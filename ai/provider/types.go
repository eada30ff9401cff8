package provider

import (
	"context"
	"strings"

	"github.com/teranos/quill/errors"
)

// Provider families. A backend identifier is "<family>/<model>".
const (
	FamilyLocal      = "local"      // Ollama, LocalAI, or any OpenAI-compatible local server
	FamilyOpenRouter = "openrouter" // OpenRouter cloud service (gateway to multiple models)
	FamilyAnthropic  = "anthropic"  // Direct Anthropic API
)

// Request is a single text generation call
type Request struct {
	System        string
	User          string
	Deterministic bool // Temperature zero, used for schema repair
	JSONMode      bool // Ask the backend for a single JSON object
}

// Response carries the generated text and the token counts reported by the backend
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Backend is one concrete model behind a provider family
type Backend interface {
	ID() string
	Family() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Descriptor is a parsed backend identifier
type Descriptor struct {
	ID     string `json:"id"`
	Family string `json:"family"`
	Model  string `json:"model"`
}

// ParseBackendID splits "<family>/<model>". The model may itself contain
// slashes, as OpenRouter model names do.
func ParseBackendID(id string) (Descriptor, error) {
	family, model, ok := strings.Cut(strings.TrimSpace(id), "/")
	if !ok || family == "" || model == "" {
		return Descriptor{}, errors.Newf("invalid backend id %q: expected <family>/<model>", id)
	}
	return Descriptor{ID: family + "/" + model, Family: family, Model: model}, nil
}

// Family returns the provider family of a backend id, or the id itself
// when it carries no model part.
func Family(id string) string {
	family, _, _ := strings.Cut(id, "/")
	return family
}
