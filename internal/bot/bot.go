// Package bot dispatches inbound chat events: messages are threaded, stored
// and answered, commands open ask-threads, reactions drive approvals.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/beaver/internal/agent"
	"github.com/nextlevelbuilder/beaver/internal/approval"
	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/convo"
	"github.com/nextlevelbuilder/beaver/internal/metrics"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/internal/threads"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/beaver/bot")

// Transports looks up the running transport an event arrived on.
// *channels.Manager satisfies it.
type Transports interface {
	Get(name string) (channels.Channel, bool)
}

// Responder produces replies. *agent.Loop satisfies it.
type Responder interface {
	Run(ctx context.Context, req agent.RunRequest) *agent.RunResult
}

// Config tunes the dispatcher.
type Config struct {
	RateLimitPerMinute int           // completions per user, 0 = unlimited
	DedupeTTL          time.Duration // redelivery window, default 10m
}

// Deps are the collaborators of a Bot.
type Deps struct {
	Messages   store.MessageStore
	Resolver   *threads.Resolver
	Assembler  *convo.Assembler
	Workflow   *approval.Workflow
	Responder  Responder
	Transports Transports
}

// Bot handles inbound events, one goroutine per event.
type Bot struct {
	messages   store.MessageStore
	resolver   *threads.Resolver
	assembler  *convo.Assembler
	workflow   *approval.Workflow
	responder  Responder
	transports Transports

	limiter *channels.KeyedLimiter
	dedupe  *bus.DedupeCache
	wg      sync.WaitGroup

	now func() time.Time
}

func New(deps Deps, cfg Config) *Bot {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	return &Bot{
		messages:   deps.Messages,
		resolver:   deps.Resolver,
		assembler:  deps.Assembler,
		workflow:   deps.Workflow,
		responder:  deps.Responder,
		transports: deps.Transports,
		limiter:    channels.NewKeyedLimiter(cfg.RateLimitPerMinute, max(cfg.RateLimitPerMinute/2, 1)),
		dedupe:     bus.NewDedupeCache(cfg.DedupeTTL, 0),
		now:        time.Now,
	}
}

// Run consumes events until ctx is done or the bus closes, then waits for
// in-flight handlers.
func (b *Bot) Run(ctx context.Context, in bus.Consumer) {
	slog.Info("bot dispatcher started")
	defer slog.Info("bot dispatcher stopped")

	for {
		ev, ok := in.ConsumeInbound(ctx)
		if !ok {
			b.wg.Wait()
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.Dispatch(context.WithoutCancel(ctx), ev)
		}()
	}
}

// Wait blocks until all dispatched events are handled.
func (b *Bot) Wait() { b.wg.Wait() }

// Dispatch handles one event synchronously. Redeliveries of an event that
// is being or was handled are dropped; an event whose handling failed is
// forgotten so its redelivery gets another attempt. Handler errors are
// logged and never affect other events.
func (b *Bot) Dispatch(ctx context.Context, ev bus.Inbound) {
	transport := transportOf(ev)
	metrics.InboundEvents.WithLabelValues(transport, ev.Kind()).Inc()

	key := ev.Key()
	if b.dedupe.IsDuplicate(key) {
		metrics.DuplicateEvents.WithLabelValues(transport).Inc()
		slog.Debug("dropping redelivered event", "key", key)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.dedupe.Forget(key)
			slog.Error("panic while handling event", "kind", ev.Kind(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	var err error
	switch {
	case ev.Message != nil:
		err = b.OnMessage(ctx, *ev.Message)
	case ev.Command != nil:
		err = b.OnCommand(ctx, *ev.Command)
	case ev.Reaction != nil:
		err = b.OnReaction(ctx, *ev.Reaction)
	}
	if err != nil {
		b.dedupe.Forget(key)
		slog.Error("event handling failed", "kind", ev.Kind(), "transport", transport, "error", err)
	}
}

func transportOf(ev bus.Inbound) string {
	switch {
	case ev.Message != nil:
		return ev.Message.Channel
	case ev.Command != nil:
		return ev.Command.Channel
	case ev.Reaction != nil:
		return ev.Reaction.Channel
	}
	return ""
}

func (b *Bot) outbox(name string) (channels.Channel, error) {
	ch, ok := b.transports.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", name)
	}
	return ch, nil
}

// OnReaction routes a reaction to the approval workflow.
func (b *Bot) OnReaction(ctx context.Context, r bus.InboundReaction) error {
	out, err := b.outbox(r.Channel)
	if err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "bot.reaction")
	defer span.End()

	outcome, err := b.workflow.HandleReaction(ctx, out, r)
	span.SetAttributes(attribute.String("beaver.outcome", string(outcome)))
	if err != nil {
		return fmt.Errorf("handle reaction on %s: %w", r.MessageID, err)
	}
	if outcome != approval.OutcomeIgnored {
		slog.Info("approval reaction handled", "message", r.MessageID, "user", r.UserID, "outcome", outcome)
	}
	return nil
}
