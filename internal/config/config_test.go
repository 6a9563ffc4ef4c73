package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
orchestrator_model = "gpt-4o-mini"
orchestrator_provider = "openai"
user_nickname = "Sam"

[model_providers.openai]
name = "OpenAI"
base_url = "https://api.openai.com/v1"
auth_token = "sk-test"

[coordinator]
addr = ":9000"
db_path = "data/test.db"
max_auto_rounds = 5
llm_timeout_ms = 30000
llm_retries = 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.OrchestratorModel)
	assert.Equal(t, "openai", cfg.OrchestratorProvider)
	assert.Equal(t, "Sam", cfg.UserNickname)
	assert.Equal(t, ":9000", cfg.Coordinator.Addr)
	assert.Equal(t, 5, cfg.Coordinator.MaxAutoRounds)
	assert.Equal(t, path, cfg.Path)
	assert.NotEmpty(t, cfg.Raw)

	provider, ok := cfg.Provider("openai")
	require.True(t, ok)
	assert.Equal(t, "https://api.openai.com/v1", provider.BaseURL)
	assert.Equal(t, "sk-test", provider.AuthToken)

	_, ok = cfg.Provider("missing")
	assert.False(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadInvalidToml(t *testing.T) {
	path := writeConfig(t, "orchestrator_model = [broken")
	_, err := Load(path)
	assert.Error(t, err)
}
