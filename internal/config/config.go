// Package config loads the bot configuration from a JSON5 file, a .env file
// and BEAVER_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Platform user IDs are often written as bare numbers.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration is a time.Duration written as a Go duration string ("10s", "24h").
// A bare number is read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Config is the root configuration for the Beaver bot.
type Config struct {
	Bot       BotConfig       `json:"bot"`
	Context   ContextConfig   `json:"context"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Retry     RetryConfig     `json:"retry"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// BotConfig configures the persona, the agent loop and the response policy.
type BotConfig struct {
	Name               string   `json:"name"`
	Provider           string   `json:"provider"`                   // "anthropic" (default), "openai", "openrouter", "groq", "deepseek"
	Model              string   `json:"model,omitempty"`            // empty = provider default
	MaxTokens          int      `json:"max_tokens,omitempty"`       // per completion
	MaxIterations      int      `json:"max_iterations,omitempty"`   // provider calls per reply (default 10)
	Persona            string   `json:"persona,omitempty"`          // system prompt override
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`      // completions per user per minute, 0 = unlimited
	AskCacheSize       int      `json:"ask_cache_size,omitempty"`   // known ask-threads kept in memory
	AskCacheTTL        Duration `json:"ask_cache_ttl,omitempty"`    // how long an ask-thread stays cached
	DedupeTTL          Duration `json:"dedupe_ttl,omitempty"`       // redelivery window for inbound events
	ApproveGlyph       string   `json:"approve_glyph,omitempty"`    // default ✅
	RejectGlyph        string   `json:"reject_glyph,omitempty"`     // default ❌
	ReadURLTimeout     Duration `json:"read_url_timeout,omitempty"` // default 10s
	ReadURLMaxChars    int      `json:"read_url_max_chars,omitempty"`
}

// ContextConfig sizes the channel enrichment window.
type ContextConfig struct {
	RecentThreads  int `json:"recent_threads"`  // N most recent thread starters per channel
	ThreadMessages int `json:"thread_messages"` // M messages fetched per thread
}

// GatewayConfig configures the HTTP server (inspection API, webhook transport, metrics).
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"token,omitempty"`          // bearer token for /v1 routes; empty = open
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"` // per remote key on inbound webhook routes, 0 = unlimited
}

// Addr returns the listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// DatabaseConfig selects the message store.
// PostgresDSN is a secret: it is read from env BEAVER_POSTGRES_DSN only.
type DatabaseConfig struct {
	Driver      string `json:"driver"`                // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"` // file path or ":memory:"
	PostgresDSN string `json:"-"`
}

// RetryConfig bounds retries of transient storage failures.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts"`
	BaseDelay   Duration `json:"base_delay"`
	MaxDelay    Duration `json:"max_delay"`
}

// TelemetryConfig configures OpenTelemetry OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection, for local collectors
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "beaver")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}
