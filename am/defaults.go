package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// DefaultDatabasePath is used when database.path is empty
const DefaultDatabasePath = "quill.db"

// DefaultPreamble is the shared system prompt template
const DefaultPreamble = "You are a senior editor producing content for {{site}} in language {{language}}. " +
	"Topic: {{topic}}. Objective: {{objective}}. Always answer with a single JSON object and nothing else."

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("server.address", DefaultServerAddress)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("pulse.workers", 3)

	v.SetDefault("gateway.backends", []string{
		"openrouter/openai/gpt-4o-mini",
		"anthropic/claude-3-5-haiku-latest",
	})
	v.SetDefault("gateway.single_backend", false)
	v.SetDefault("gateway.disabled_providers", []string{})
	v.SetDefault("gateway.rate_burst", 1)

	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.temperature", 0.7)
	v.SetDefault("openrouter.max_tokens", 4096)

	v.SetDefault("anthropic.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("anthropic.temperature", 0.7)
	v.SetDefault("anthropic.max_tokens", 4096)

	v.SetDefault("local_inference.base_url", "http://localhost:11434")
	v.SetDefault("local_inference.timeout_seconds", 600)
	v.SetDefault("local_inference.context_size", 16384)
	v.SetDefault("local_inference.temperature", 0.7)
	v.SetDefault("local_inference.max_tokens", 4096)

	v.SetDefault("pipeline.preamble", DefaultPreamble)
	v.SetDefault("pipeline.optional", map[string]bool{
		"internal_links":   true,
		"image_generation": true,
	})

	v.SetDefault("quality.min_word_ratio", 0.8)

	v.SetDefault("publish.timeout_seconds", 60)
	v.SetDefault("publish.allow_private_networks", false)
	v.SetDefault("images.timeout_seconds", 120)
}

// BindSensitiveEnvVars explicitly binds secrets to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("openrouter.api_key", "QUILL_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	v.BindEnv("anthropic.api_key", "QUILL_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("publish.token", "QUILL_PUBLISH_TOKEN")
	v.BindEnv("images.token", "QUILL_IMAGES_TOKEN")
	v.BindEnv("database.path", "QUILL_DATABASE_PATH")
}

// String returns a short representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: %s, Pulse: {Workers: %d}, Backends: %d}",
		c.GetDatabasePath(), c.GetServerAddress(), c.Pulse.Workers, len(c.Gateway.Backends))
}
