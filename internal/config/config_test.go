package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable Load reads, restoring them when the test ends
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"STOCKCHAT_CONFIG", "STOCKCHAT_PROVIDER", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "STOCKCHAT_MODEL",
		"STOCKCHAT_CAPTION_MODEL", "STOCKCHAT_DATABASE_PATH", "STOCKCHAT_HISTORY_DIR", "STOCKCHAT_COUNTER_URL",
		"STOCKCHAT_COUNTER_TOKEN", "STOCKCHAT_LOG_FILE", "STOCKCHAT_LOG_LEVEL", "STOCKCHAT_LOG_FORMAT",
		"STOCKCHAT_OTLP_ENDPOINT", "STOCKCHAT_USER_ID", "STOCKCHAT_USER_NAME", "STOCKCHAT_MAX_OUTPUT_TOKENS",
		"STOCKCHAT_FREE_MESSAGE_LIMIT", "STOCKCHAT_REQUESTS_PER_SECOND", "STOCKCHAT_TELEMETRY_ENABLED",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	// Keep a developer's .env out of the test
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProviderAnthropic, cfg.Provider)
	assert.Equal(t, 3, cfg.FreeMessageLimit)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.Equal(t, "claude-haiku-4-5", cfg.CaptionModel)
	assert.Equal(t, "local", cfg.UserID)
	assert.Error(t, cfg.Validate(), "no API key")
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "stockchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider = "openai"
openai_api_key = "from-file"
free_message_limit = 5
requests_per_second = 0.5
user_name = "Ada"
`), 0o600))

	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("STOCKCHAT_TELEMETRY_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "from-env", cfg.OpenAIAPIKey, "environment wins over the file")
	assert.Equal(t, "from-env", cfg.APIKey())
	assert.Equal(t, 5, cfg.FreeMessageLimit)
	assert.InDelta(t, 0.5, cfg.RequestsPerSecond, 0.0001)
	assert.Equal(t, "Ada", cfg.UserName)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "stockchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`model = "claude-opus-4-1"`), 0o600))
	t.Setenv("STOCKCHAT_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-1", cfg.Model)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	t.Setenv("STOCKCHAT_FREE_MESSAGE_LIMIT", "three")
	_, err = Load("")
	assert.ErrorContains(t, err, "STOCKCHAT_FREE_MESSAGE_LIMIT")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.AnthropicAPIKey = "key"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider = "bard" }},
		{"openai without key", func(c *Config) { c.Provider = ProviderOpenAI }},
		{"negative limit", func(c *Config) { c.FreeMessageLimit = -1 }},
		{"no output tokens", func(c *Config) { c.MaxOutputTokens = 0 }},
		{"no user", func(c *Config) { c.UserID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
