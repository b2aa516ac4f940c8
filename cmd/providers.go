package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/beaver/internal/config"
	"github.com/nextlevelbuilder/beaver/internal/providers"
)

// openAICompatible lists the default endpoint and model of providers that
// speak the OpenAI chat completions API.
var openAICompatible = map[string]struct{ base, model string }{
	"openai":     {"https://api.openai.com/v1", "gpt-4o"},
	"openrouter": {"https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5-20250929"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
}

// newProvider builds the completion provider named by bot.provider.
func newProvider(cfg *config.Config) (providers.Provider, error) {
	name := cfg.Bot.Provider
	pc, ok := cfg.Providers.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	if pc.APIKey == "" {
		return nil, fmt.Errorf("provider %q has no API key (set BEAVER_%s_API_KEY)", name, strings.ToUpper(name))
	}
	policy := cfg.RetryPolicy()

	if name == "anthropic" {
		p := providers.NewAnthropicProvider(pc.APIKey, pc.APIBase, cfg.Bot.Model).WithRetryPolicy(policy)
		slog.Info("registered provider", "name", name, "model", p.DefaultModel())
		return p, nil
	}

	def := openAICompatible[name]
	base := pc.APIBase
	if base == "" {
		base = def.base
	}
	model := cfg.Bot.Model
	if model == "" {
		model = def.model
	}
	p := providers.NewOpenAIProvider(name, pc.APIKey, base, model).WithRetryPolicy(policy)
	slog.Info("registered provider", "name", name, "model", model)
	return p, nil
}
