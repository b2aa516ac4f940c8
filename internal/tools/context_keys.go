package tools

import (
	"context"

	"github.com/nextlevelbuilder/beaver/internal/approval"
	"github.com/nextlevelbuilder/beaver/internal/store"
)

// Tool execution context keys.
// Tools are shared between concurrent runs, so per-event values travel in
// the context instead of fields on the tool instances.

type toolContextKey string

const (
	ctxOrigin toolContextKey = "tool_origin"
	ctxOutbox toolContextKey = "tool_outbox"
)

// WithToolOrigin records the message the current run responds to.
func WithToolOrigin(ctx context.Context, msg *store.Message) context.Context {
	return context.WithValue(ctx, ctxOrigin, msg)
}

func ToolOriginFromCtx(ctx context.Context) *store.Message {
	v, _ := ctx.Value(ctxOrigin).(*store.Message)
	return v
}

// WithToolOutbox records the transport the current run replies through.
func WithToolOutbox(ctx context.Context, out approval.Outbox) context.Context {
	return context.WithValue(ctx, ctxOutbox, out)
}

func ToolOutboxFromCtx(ctx context.Context) approval.Outbox {
	v, _ := ctx.Value(ctxOutbox).(approval.Outbox)
	return v
}
