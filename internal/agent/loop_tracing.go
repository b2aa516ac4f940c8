package agent

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/beaver/internal/providers"
	"github.com/nextlevelbuilder/beaver/internal/tools"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/beaver/agent")

func (l *Loop) startRunSpan(ctx context.Context, req RunRequest) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("beaver.agent", l.id),
		attribute.String("beaver.run", req.RunID),
		attribute.String("gen_ai.system", l.provider.Name()),
		attribute.String("gen_ai.request.model", l.model),
	}
	if req.Transcript != nil {
		attrs = append(attrs,
			attribute.String("beaver.thread", req.Transcript.ThreadID),
			attribute.Int("beaver.turns", len(req.Transcript.Turns)),
		)
	}
	return tracer.Start(ctx, "agent.run", trace.WithAttributes(attrs...))
}

// chat wraps one provider call in a span.
func (l *Loop) chat(ctx context.Context, iteration int, req providers.ChatRequest) (*providers.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s/%s #%d", l.provider.Name(), l.model, iteration),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("gen_ai.request.messages", len(req.Messages)),
			attribute.Int("gen_ai.request.tools", len(req.Tools)),
		))
	defer span.End()

	resp, err := l.provider.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		err := errors.New("provider returned no response")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("gen_ai.response.finish_reason", resp.FinishReason),
		attribute.Int("gen_ai.response.tool_calls", len(resp.ToolCalls)),
	)
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("gen_ai.usage.input_tokens", resp.Usage.PromptTokens),
			attribute.Int("gen_ai.usage.output_tokens", resp.Usage.CompletionTokens),
		)
	}
	return resp, nil
}

func (l *Loop) startToolSpan(ctx context.Context, tc providers.ToolCall) (context.Context, trace.Span) {
	return tracer.Start(ctx, "tool."+tc.Name, trace.WithAttributes(
		attribute.String("beaver.tool", tc.Name),
		attribute.String("beaver.tool_call", tc.ID),
	))
}

func markToolError(span trace.Span, result *tools.Result) {
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	span.SetStatus(codes.Error, truncateStr(result.ForLLM, 200))
}

func truncateStr(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
