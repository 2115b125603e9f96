// Package config provides configuration management for stockchat.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config holds the configuration for the assistant
type Config struct {
	Provider        string `toml:"provider"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
	Model           string `toml:"model"`
	CaptionModel    string `toml:"caption_model"`
	MaxOutputTokens int64  `toml:"max_output_tokens"`

	// Storage config
	DatabasePath string `toml:"database_path"`
	HistoryDir   string `toml:"history_dir"` // When set, conversations are kept as JSON files here instead of in the database

	// Quota config
	FreeMessageLimit int    `toml:"free_message_limit"`
	CounterURL       string `toml:"counter_url"` // When set, the message counter is kept by a remote service
	CounterToken     string `toml:"counter_token"`

	RequestsPerSecond float64 `toml:"requests_per_second"`

	// Logging config
	LogFile   string `toml:"log_file"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// Telemetry config
	TelemetryEnabled bool   `toml:"telemetry_enabled"`
	OTLPEndpoint     string `toml:"otlp_endpoint"`

	// Local identity
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// Default returns the configuration used when nothing else is set
func Default() Config {
	return Config{
		Provider:          ProviderAnthropic,
		MaxOutputTokens:   1024,
		DatabasePath:      "stockchat.db",
		FreeMessageLimit:  3,
		RequestsPerSecond: 2,
		LogLevel:          "info",
		LogFormat:         "text",
		OTLPEndpoint:      "localhost:4318",
		UserID:            "local",
	}
}

// DefaultModels returns the chat and caption models used for a provider when none are configured
func DefaultModels(provider string) (model, captionModel string) {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o", "gpt-4o-mini"
	default:
		return "claude-sonnet-4-5", "claude-haiku-4-5"
	}
}

// Load builds the configuration from defaults, then the TOML file at path if path is not empty, then the
// environment. A .env file in the working directory is loaded into the environment first, if there is one
func Load(path string) (Config, error) {
	cfg := Default()

	// A missing .env file is normal
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("STOCKCHAT_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	model, captionModel := DefaultModels(cfg.Provider)
	if cfg.Model == "" {
		cfg.Model = model
	}
	if cfg.CaptionModel == "" {
		cfg.CaptionModel = captionModel
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	loadOptionalFromEnv(&c.Provider, "STOCKCHAT_PROVIDER")
	loadOptionalFromEnv(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	loadOptionalFromEnv(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	loadOptionalFromEnv(&c.Model, "STOCKCHAT_MODEL")
	loadOptionalFromEnv(&c.CaptionModel, "STOCKCHAT_CAPTION_MODEL")
	loadOptionalFromEnv(&c.DatabasePath, "STOCKCHAT_DATABASE_PATH")
	loadOptionalFromEnv(&c.HistoryDir, "STOCKCHAT_HISTORY_DIR")
	loadOptionalFromEnv(&c.CounterURL, "STOCKCHAT_COUNTER_URL")
	loadOptionalFromEnv(&c.CounterToken, "STOCKCHAT_COUNTER_TOKEN")
	loadOptionalFromEnv(&c.LogFile, "STOCKCHAT_LOG_FILE")
	loadOptionalFromEnv(&c.LogLevel, "STOCKCHAT_LOG_LEVEL")
	loadOptionalFromEnv(&c.LogFormat, "STOCKCHAT_LOG_FORMAT")
	loadOptionalFromEnv(&c.OTLPEndpoint, "STOCKCHAT_OTLP_ENDPOINT")
	loadOptionalFromEnv(&c.UserID, "STOCKCHAT_USER_ID")
	loadOptionalFromEnv(&c.UserName, "STOCKCHAT_USER_NAME")

	return errors.Join(
		parseOptionalFromEnv(&c.MaxOutputTokens, "STOCKCHAT_MAX_OUTPUT_TOKENS", func(v string) (int64, error) {
			return strconv.ParseInt(v, 10, 64)
		}),
		parseOptionalFromEnv(&c.FreeMessageLimit, "STOCKCHAT_FREE_MESSAGE_LIMIT", strconv.Atoi),
		parseOptionalFromEnv(&c.RequestsPerSecond, "STOCKCHAT_REQUESTS_PER_SECOND", func(v string) (float64, error) {
			return strconv.ParseFloat(v, 64)
		}),
		parseOptionalFromEnv(&c.TelemetryEnabled, "STOCKCHAT_TELEMETRY_ENABLED", strconv.ParseBool),
	)
}

func loadOptionalFromEnv(dest *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func parseOptionalFromEnv[T any](dest *T, key string, parseFn func(string) (T, error)) error {
	str := os.Getenv(key)
	if str == "" {
		return nil // Leave current value
	}
	v, err := parseFn(str)
	if err != nil {
		return fmt.Errorf("failed to parse environment variable '%s' value '%s' as '%T': %w", key, str, *dest, err)
	}
	*dest = v
	return nil
}

// APIKey returns the key of the selected provider
func (c Config) APIKey() string {
	if c.Provider == ProviderOpenAI {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
}

// Validate checks that the configuration can run a chat
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("missing required setting: anthropic_api_key (ANTHROPIC_API_KEY)")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("missing required setting: openai_api_key (OPENAI_API_KEY)")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.FreeMessageLimit < 0 {
		return fmt.Errorf("free_message_limit must not be negative")
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("max_output_tokens must be positive")
	}
	if c.UserID == "" {
		return fmt.Errorf("missing required setting: user_id")
	}
	return nil
}
