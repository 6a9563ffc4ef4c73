package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	OrchestratorModel    string                   `toml:"orchestrator_model"`
	OrchestratorProvider string                   `toml:"orchestrator_provider"`
	UserNickname         string                   `toml:"user_nickname"`
	ModelProviders       map[string]ModelProvider `toml:"model_providers"`
	Coordinator          CoordinatorRuntimeConfig `toml:"coordinator"`
	Raw                  map[string]any           `toml:"-"`
	Path                 string                   `toml:"-"`
}

type ModelProvider struct {
	Name      string `toml:"name"`
	BaseURL   string `toml:"base_url"`
	AuthToken string `toml:"auth_token"`
}

type CoordinatorRuntimeConfig struct {
	Addr          string `toml:"addr"`
	DBPath        string `toml:"db_path"`
	MaxAutoRounds int    `toml:"max_auto_rounds"`
	LLMTimeoutMS  int    `toml:"llm_timeout_ms"`
	LLMRetries    int    `toml:"llm_retries"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley/config.toml"
	}
	return filepath.Join(home, ".parley", "config.toml")
}

// Provider resolves a provider entry by key, falling back to a zero value.
func (c Config) Provider(key string) (ModelProvider, bool) {
	p, ok := c.ModelProviders[key]
	return p, ok
}
