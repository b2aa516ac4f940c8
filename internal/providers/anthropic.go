package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nextlevelbuilder/beaver/internal/retry"
)

const defaultAnthropicMaxTokens = 2048

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retryPolicy  retry.Policy
}

// NewAnthropicProvider builds a provider. apiBase may be empty. The SDK's
// own retries are disabled so RetryDo is the only retry loop.
func NewAnthropicProvider(apiKey, apiBase, defaultModel string, opts ...option.RequestOption) *AnthropicProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if apiBase != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(apiBase))
	}
	reqOpts = append(reqOpts, opts...)
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(reqOpts...),
		defaultModel: defaultModel,
		retryPolicy:  DefaultRetryPolicy(),
	}
}

func (p *AnthropicProvider) WithRetryPolicy(policy retry.Policy) *AnthropicProvider {
	p.retryPolicy = policy
	return p
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := p.buildParams(req)
	return RetryDo(ctx, p.retryPolicy, func() (*ChatResponse, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		return parseAnthropicMessage(msg), nil
	})
}

func (p *AnthropicProvider) buildParams(req ChatRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	var (
		system     []anthropic.TextBlockParam
		msgs       []anthropic.MessageParam
		lastIsTool bool
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
			lastIsTool = false
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) > 0 {
				msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
			}
			lastIsTool = false
		case "tool":
			// Consecutive tool results travel in one user message.
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)
			if lastIsTool && len(msgs) > 0 {
				last := &msgs[len(msgs)-1]
				last.Content = append(last.Content, block)
			} else {
				msgs = append(msgs, anthropic.NewUserMessage(block))
			}
			lastIsTool = true
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			lastIsTool = false
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		System:    system,
		Messages:  msgs,
	}
	for _, t := range req.Tools {
		required, _ := t.Function.Parameters["required"].([]string)
		tool := anthropic.ToolParam{
			Name:        t.Function.Name,
			Description: anthropic.String(t.Function.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Function.Parameters["properties"],
				Required:   required,
			},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params
}

func parseAnthropicMessage(msg *anthropic.Message) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args := make(map[string]any)
			_ = json.Unmarshal(block.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	switch string(msg.StopReason) {
	case "tool_use":
		result.FinishReason = "tool_calls"
	case "max_tokens":
		result.FinishReason = "length"
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	result.Usage = &Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return result
}
