package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/beaver/internal/retry"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name:               "Beaver",
			Provider:           "anthropic",
			MaxTokens:          2048,
			MaxIterations:      10,
			RateLimitPerMinute: 6,
			AskCacheSize:       1000,
			AskCacheTTL:        Duration(24 * time.Hour),
			DedupeTTL:          Duration(10 * time.Minute),
			ApproveGlyph:       "✅",
			RejectGlyph:        "❌",
			ReadURLTimeout:     Duration(10 * time.Second),
			ReadURLMaxChars:    20000,
		},
		Context: ContextConfig{
			RecentThreads:  10,
			ThreadMessages: 20,
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18790,
			RateLimitRPM: 120,
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "beaver.db",
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   Duration(100 * time.Millisecond),
			MaxDelay:    Duration(2 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "beaver",
		},
	}
}

// Load reads .env, then the JSON5 config at path, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}

	envStr("BEAVER_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("BEAVER_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("BEAVER_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("BEAVER_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("BEAVER_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)

	envStr("BEAVER_PROVIDER", &c.Bot.Provider)
	envStr("BEAVER_MODEL", &c.Bot.Model)
	envInt("BEAVER_RATE_LIMIT_PER_MINUTE", &c.Bot.RateLimitPerMinute)

	envStr("BEAVER_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("BEAVER_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("BEAVER_WEBHOOK_CALLBACK_URL", &c.Channels.Webhook.CallbackURL)
	envStr("BEAVER_WEBHOOK_CALLBACK_SECRET", &c.Channels.Webhook.CallbackSecret)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}

	envStr("BEAVER_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("BEAVER_HOST", &c.Gateway.Host)
	if v := os.Getenv("BEAVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("BEAVER_DB_DRIVER", &c.Database.Driver)
	envStr("BEAVER_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("BEAVER_POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" && os.Getenv("BEAVER_DB_DRIVER") == "" {
		c.Database.Driver = "postgres"
	}

	envStr("BEAVER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BEAVER_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("BEAVER_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("BEAVER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BEAVER_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("BEAVER_POSTGRES_DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if _, ok := c.Providers.Get(c.Bot.Provider); !ok {
		errs = append(errs, fmt.Errorf("unknown bot.provider %q", c.Bot.Provider))
	}
	if c.Channels.Webhook.Enabled && c.Channels.Webhook.CallbackURL == "" {
		errs = append(errs, errors.New("channels.webhook.callback_url is required when the webhook channel is enabled"))
	}
	if c.Bot.ApproveGlyph != "" && c.Bot.ApproveGlyph == c.Bot.RejectGlyph {
		errs = append(errs, errors.New("bot.approve_glyph and bot.reject_glyph must differ"))
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry section for internal/retry.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay.Std(),
		MaxDelay:    c.Retry.MaxDelay.Std(),
	}
}

// MaskedCopy returns a copy with secrets masked, for display.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return Default()
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return Default()
	}

	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DeepSeek.APIKey)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Webhook.CallbackSecret)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = "***"
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = "***"
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// ResolvePath returns the config path: flag value, then BEAVER_CONFIG, then config.json.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return ExpandHome(p)
	}
	if p := os.Getenv("BEAVER_CONFIG"); p != "" {
		return ExpandHome(p)
	}
	return "config.json"
}
