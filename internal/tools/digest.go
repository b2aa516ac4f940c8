package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/beaver/internal/providers"
)

const digestSystemPrompt = `You condense content for a chat conversation.
Write a short digest: the main points as a few bullet lines, then one line on anything notable or actionable.
Do not invent facts that are not in the content.`

// DigestTool summarizes long content with a sub-completion.
type DigestTool struct {
	provider providers.Provider
	model    string
	maxChars int
}

func NewDigestTool(provider providers.Provider, model string) *DigestTool {
	if model == "" {
		model = provider.DefaultModel()
	}
	return &DigestTool{provider: provider, model: model, maxChars: 60000}
}

func (t *DigestTool) Name() string { return "digest_content" }

func (t *DigestTool) Description() string {
	return "Summarize a long piece of content (for example the output of read_url) into a short digest."
}

func (t *DigestTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The content to summarize.",
			},
			"focus": map[string]any{
				"type":        "string",
				"description": "Optional aspect to focus the digest on.",
			},
		},
		"required": []string{"content"},
	}
}

func (t *DigestTool) Execute(ctx context.Context, args map[string]any) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	content = truncateStr(content, t.maxChars)

	prompt := content
	if focus, _ := args["focus"].(string); focus != "" {
		prompt = fmt.Sprintf("Focus on: %s\n\n%s", focus, content)
	}

	resp, err := t.provider.Chat(ctx, providers.ChatRequest{
		Model:     t.model,
		MaxTokens: 1024,
		Messages: []providers.Message{
			{Role: "system", Content: digestSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("digest failed: %v", err)).WithError(err)
	}
	return &Result{ForLLM: resp.Content, Usage: resp.Usage}
}
