package config

// ChannelsConfig contains per-transport configuration.
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
	GuildID   string              `json:"guild_id,omitempty"` // register slash commands on one guild instead of globally
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	Proxy     string              `json:"proxy,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

// WebhookConfig configures the generic HTTP transport. Inbound events are
// served by the gateway; outbound sends are POSTed to CallbackURL.
type WebhookConfig struct {
	Enabled        bool                `json:"enabled"`
	BotID          string              `json:"bot_id"`
	CallbackURL    string              `json:"callback_url"`
	CallbackSecret string              `json:"callback_secret,omitempty"` // sent as bearer token on callbacks
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	DeepSeek   ProviderConfig `json:"deepseek"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// Get returns the config of the named provider.
func (p ProvidersConfig) Get(name string) (ProviderConfig, bool) {
	switch name {
	case "anthropic":
		return p.Anthropic, true
	case "openai":
		return p.OpenAI, true
	case "openrouter":
		return p.OpenRouter, true
	case "groq":
		return p.Groq, true
	case "deepseek":
		return p.DeepSeek, true
	}
	return ProviderConfig{}, false
}
