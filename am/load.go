package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/quill/errors"
)

// DefaultDirPermissions is used when creating the quill home directory
const DefaultDirPermissions = 0750

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	loadedPath    string
)

// Load reads the quill configuration using Viper.
// The result is cached until Reset is called.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path.
// Environment variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// UseConfigFile pins the project config file instead of searching for am.toml.
// Must be called before the first Load.
func UseConfigFile(path string) {
	loadMu.Lock()
	defer loadMu.Unlock()
	loadedPath = path
	globalConfig = nil
	viperInstance = nil
}

// ConfigPath returns the project config file in use, or "" when none was found
func ConfigPath() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	if loadedPath != "" {
		return loadedPath
	}
	return findProjectConfig()
}

// Reset clears the cached configuration so the next Load rereads all sources
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// HomeDir returns ~/.quill, creating it if needed
func HomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(homeDir, ".quill")
	_ = os.MkdirAll(dir, DefaultDirPermissions)
	return dir
}

// findProjectConfig walks up from the working directory looking for am.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges config files in precedence order (lowest first):
// system < user < project < runtime overrides < env vars
func mergeConfigFiles(v *viper.Viper) {
	configPaths := []string{"/etc/quill/am.toml"}

	if home := HomeDir(); home != "" {
		configPaths = append(configPaths, filepath.Join(home, "am.toml"))
	}

	project := loadedPath
	if project == "" {
		project = findProjectConfig()
	}
	if project != "" {
		configPaths = append(configPaths, project)
	}

	if runtime := RuntimeConfigPath(); runtime != "" {
		configPaths = append(configPaths, runtime)
	}

	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
	}
}
