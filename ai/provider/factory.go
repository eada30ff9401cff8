package provider

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/quill/ai/anthropic"
	"github.com/teranos/quill/ai/openrouter"
	"github.com/teranos/quill/am"
	"github.com/teranos/quill/errors"
)

// ErrUnknownFamily is returned for backend ids whose family has no client
var ErrUnknownFamily = errors.New("unknown provider family")

// AIClient is implemented by every provider family client
type AIClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// Factory resolves backend ids to Backends, one client per family
type Factory struct {
	mu      sync.RWMutex
	clients map[string]AIClient
}

// NewFactory creates an empty factory; use Register or NewFactoryFromConfig
func NewFactory() *Factory {
	return &Factory{clients: make(map[string]AIClient)}
}

// NewFactoryFromConfig registers the OpenRouter, Anthropic and local families
func NewFactoryFromConfig(cfg *am.Config, logger *zap.SugaredLogger) *Factory {
	f := NewFactory()

	orCfg := openrouter.Config{
		APIKey:  cfg.OpenRouter.APIKey,
		BaseURL: cfg.OpenRouter.BaseURL,
		Logger:  logger,
	}
	if cfg.OpenRouter.Temperature > 0 {
		t := cfg.OpenRouter.Temperature
		orCfg.Temperature = &t
	}
	if cfg.OpenRouter.MaxTokens > 0 {
		m := cfg.OpenRouter.MaxTokens
		orCfg.MaxTokens = &m
	}
	f.Register(FamilyOpenRouter, openrouter.NewClient(orCfg))

	f.Register(FamilyAnthropic, anthropic.NewClient(anthropic.Config{
		APIKey:      cfg.Anthropic.APIKey,
		BaseURL:     cfg.Anthropic.BaseURL,
		Temperature: cfg.Anthropic.Temperature,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Logger:      logger,
	}))

	if cfg.LocalInference.BaseURL != "" {
		f.Register(FamilyLocal, NewLocalProvider(cfg.LocalInference))
	}
	return f
}

// Register installs or replaces the client for a family
func (f *Factory) Register(family string, client AIClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[family] = client
}

// Families lists registered families in sorted order
func (f *Factory) Families() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.clients))
	for k := range f.clients {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Backend resolves a backend id
func (f *Factory) Backend(id string) (Backend, error) {
	desc, err := ParseBackendID(id)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	client, ok := f.clients[desc.Family]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.Mark(errors.Newf("no client for family %q (backend %s)", desc.Family, id), ErrUnknownFamily)
	}
	return &chatBackend{desc: desc, client: client}, nil
}

// chatBackend binds a family client to one model
type chatBackend struct {
	desc   Descriptor
	client AIClient
}

func (b *chatBackend) ID() string     { return b.desc.ID }
func (b *chatBackend) Family() string { return b.desc.Family }

func (b *chatBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	model := b.desc.Model
	chatReq := openrouter.ChatRequest{
		SystemPrompt: req.System,
		UserPrompt:   req.User,
		Model:        &model,
		JSONMode:     req.JSONMode,
	}
	if req.Deterministic {
		zero := 0.0
		chatReq.Temperature = &zero
	}

	resp, err := b.client.Chat(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	return &Response{
		Text:         resp.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Pricing is a seed price in USD per million tokens
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing returns seed prices keyed by backend id, plus a zero-cost
// profile for the local family.
func DefaultPricing() map[string]Pricing {
	out := map[string]Pricing{FamilyLocal: {}}
	for model, p := range openrouter.Catalog() {
		out[FamilyOpenRouter+"/"+model] = Pricing{InputPerMillion: p.PromptPrice, OutputPerMillion: p.CompletionPrice}
	}
	for model, p := range anthropic.Catalog() {
		out[FamilyAnthropic+"/"+model] = Pricing{InputPerMillion: p.InputPrice, OutputPerMillion: p.OutputPrice}
	}
	return out
}

var _ AIClient = (*openrouter.Client)(nil)
var _ AIClient = (*anthropic.Client)(nil)
var _ AIClient = (*LocalProvider)(nil)
