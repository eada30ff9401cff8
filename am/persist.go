package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/logger"
)

var runtimeConfigOverride string

// RuntimeConfigPath returns the file holding settings changed at runtime
// through the API (provider toggles). It is merged above the project config.
func RuntimeConfigPath() string {
	if runtimeConfigOverride != "" {
		return runtimeConfigOverride
	}
	home := HomeDir()
	if home == "" {
		return ""
	}
	return filepath.Join(home, "am_runtime.toml")
}

// SetRuntimeConfigPath redirects runtime overrides (tests, alternate homes)
func SetRuntimeConfigPath(path string) {
	runtimeConfigOverride = path
}

// createBackup rotates .back1 → .back2 → .back3 before modifying a config file
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "file", back3, "error", err)
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write .back1")
	}
	return nil
}

func loadRuntimeConfig(path string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read runtime config")
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse runtime config")
	}
	return config, nil
}

// UpdateGatewayToggles persists the provider toggles and the single-backend
// policy to the runtime config file.
func UpdateGatewayToggles(disabledProviders []string, singleBackend bool) error {
	path := RuntimeConfigPath()
	if path == "" {
		return errors.New("could not determine runtime config path")
	}

	config, err := loadRuntimeConfig(path)
	if err != nil {
		return err
	}

	gateway, ok := config["gateway"].(map[string]interface{})
	if !ok {
		gateway = make(map[string]interface{})
	}
	if disabledProviders == nil {
		disabledProviders = []string{}
	}
	gateway["disabled_providers"] = disabledProviders
	gateway["single_backend"] = singleBackend
	config["gateway"] = gateway

	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal runtime config")
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write runtime config")
	}
	return nil
}

// Masked returns a shallow copy of c with API keys and tokens masked
func Masked(c *Config) *Config {
	shown := *c
	shown.OpenRouter.APIKey = mask(shown.OpenRouter.APIKey)
	shown.Anthropic.APIKey = mask(shown.Anthropic.APIKey)
	shown.Publish.Token = mask(shown.Publish.Token)
	shown.Images.Token = mask(shown.Images.Token)
	return &shown
}

// Show renders the effective configuration as TOML with secrets masked
func Show(c *Config) (string, error) {
	data, err := toml.Marshal(Masked(c))
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal config")
	}
	return string(data), nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "…" + secret[len(secret)-2:]
}
