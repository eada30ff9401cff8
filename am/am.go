package am

// Config represents the quill configuration
type Config struct {
	Database       DatabaseConfig        `mapstructure:"database" toml:"database"`
	Server         ServerConfig          `mapstructure:"server" toml:"server"`
	Pulse          PulseConfig           `mapstructure:"pulse" toml:"pulse"`
	Gateway        GatewayConfig         `mapstructure:"gateway" toml:"gateway"`
	OpenRouter     OpenRouterConfig      `mapstructure:"openrouter" toml:"openrouter"`
	Anthropic      AnthropicConfig       `mapstructure:"anthropic" toml:"anthropic"`
	LocalInference LocalInferenceConfig  `mapstructure:"local_inference" toml:"local_inference"`
	Pipeline       PipelineConfig        `mapstructure:"pipeline" toml:"pipeline"`
	Quality        QualityConfig         `mapstructure:"quality" toml:"quality"`
	Publish        PublishConfig         `mapstructure:"publish" toml:"publish"`
	Images         ImagesConfig          `mapstructure:"images" toml:"images"`
	Sites          map[string]SiteConfig `mapstructure:"sites" toml:"sites"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Address        string   `mapstructure:"address" toml:"address"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// DefaultServerAddress is used when server.address is empty
const DefaultServerAddress = "127.0.0.1:8740"

// PulseConfig configures the admission controller
type PulseConfig struct {
	Workers int `mapstructure:"workers" toml:"workers"` // Maximum concurrently executing jobs (default: 3)
}

// GatewayConfig configures model backend selection.
//
// Backend identifiers are "<family>/<model>", e.g. "openrouter/openai/gpt-4o-mini"
// or "anthropic/claude-3-5-haiku-latest". The family prefix is what
// disabled_providers, rate_limits and pricing fall back on.
type GatewayConfig struct {
	Backends          []string            `mapstructure:"backends" toml:"backends"`                     // Default ranked list
	Stages            map[string][]string `mapstructure:"stages" toml:"stages"`                         // Per-stage ranked list overrides
	DisabledProviders []string            `mapstructure:"disabled_providers" toml:"disabled_providers"` // Provider families switched off
	SingleBackend     bool                `mapstructure:"single_backend" toml:"single_backend"`         // Only try the top-ranked backend
	RateLimits        map[string]float64  `mapstructure:"rate_limits" toml:"rate_limits"`               // Requests per second per family (0 = unlimited)
	RateBurst         int                 `mapstructure:"rate_burst" toml:"rate_burst"`
}

// OpenRouterConfig configures the OpenRouter backend family
type OpenRouterConfig struct {
	APIKey      string  `mapstructure:"api_key" toml:"api_key"`
	BaseURL     string  `mapstructure:"base_url" toml:"base_url"`
	Temperature float64 `mapstructure:"temperature" toml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" toml:"max_tokens"`
}

// AnthropicConfig configures the Anthropic backend family
type AnthropicConfig struct {
	APIKey      string  `mapstructure:"api_key" toml:"api_key"`
	BaseURL     string  `mapstructure:"base_url" toml:"base_url"`
	Temperature float64 `mapstructure:"temperature" toml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" toml:"max_tokens"`
}

// LocalInferenceConfig configures the local (OpenAI-compatible) backend family
type LocalInferenceConfig struct {
	BaseURL        string  `mapstructure:"base_url" toml:"base_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	ContextSize    int     `mapstructure:"context_size" toml:"context_size"`
	Temperature    float64 `mapstructure:"temperature" toml:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens" toml:"max_tokens"`
}

// PipelineConfig configures stage behavior
type PipelineConfig struct {
	// Preamble is rendered with the same placeholders as stage instructions
	// and sent as the system prompt of every generation request.
	Preamble string `mapstructure:"preamble" toml:"preamble"`
	// Optional marks stages whose failure does not fail the job.
	Optional map[string]bool `mapstructure:"optional" toml:"optional"`
	// Instructions overrides the built-in instruction template per stage.
	Instructions map[string]string `mapstructure:"instructions" toml:"instructions"`
}

// QualityConfig configures the deterministic quality checks
type QualityConfig struct {
	MinWordRatio float64 `mapstructure:"min_word_ratio" toml:"min_word_ratio"` // Fraction of target word count required (default: 0.8)
}

// PublishConfig configures the webhook publisher
type PublishConfig struct {
	TimeoutSeconds       int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	Token                string `mapstructure:"token" toml:"token"`
	AllowPrivateNetworks bool   `mapstructure:"allow_private_networks" toml:"allow_private_networks"`
}

// ImagesConfig configures the image generation webhook. With no URL the
// image_generation stage is skipped and articles publish without images.
type ImagesConfig struct {
	URL                  string `mapstructure:"url" toml:"url"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	Token                string `mapstructure:"token" toml:"token"`
	AllowPrivateNetworks bool   `mapstructure:"allow_private_networks" toml:"allow_private_networks"`
}

// SiteConfig describes a routing target
type SiteConfig struct {
	Name           string   `mapstructure:"name" toml:"name"`
	PublishURL     string   `mapstructure:"publish_url" toml:"publish_url"`
	ForbiddenTerms []string `mapstructure:"forbidden_terms" toml:"forbidden_terms"`
	InternalLinks  []string `mapstructure:"internal_links" toml:"internal_links"`
}

// Site returns the site configuration for key, or a zero SiteConfig named
// after the key when the site is not configured.
func (c *Config) Site(key string) SiteConfig {
	if site, ok := c.Sites[key]; ok {
		if site.Name == "" {
			site.Name = key
		}
		return site
	}
	return SiteConfig{Name: key}
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetServerAddress returns the configured listen address
func (c *Config) GetServerAddress() string {
	if c.Server.Address == "" {
		return DefaultServerAddress
	}
	return c.Server.Address
}

// IsProviderDisabled reports whether the provider family is switched off
func (c *GatewayConfig) IsProviderDisabled(family string) bool {
	for _, p := range c.DisabledProviders {
		if p == family {
			return true
		}
	}
	return false
}
