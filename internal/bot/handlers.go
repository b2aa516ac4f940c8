package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/beaver/internal/agent"
	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/convo"
	"github.com/nextlevelbuilder/beaver/internal/metrics"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/internal/threads"
)

const (
	apologyText  = "Sorry, I couldn't come up with an answer right now. Please try again in a moment."
	slowDownText = "You're sending questions faster than I can answer. Please slow down a little."
	askUsageText = "Usage: /ask <question>"
)

// OnMessage stores msg in its thread and answers when the bot is addressed.
func (b *Bot) OnMessage(ctx context.Context, msg bus.InboundMessage) error {
	out, err := b.outbox(msg.Channel)
	if err != nil {
		return err
	}
	if msg.UserID == out.BotID() {
		return nil
	}
	ctx, span := tracer.Start(ctx, "bot.message")
	defer span.End()

	res, err := b.resolver.Resolve(ctx, msg, threads.TriggerFor(msg))
	if err != nil {
		return fmt.Errorf("resolve message %s: %w", msg.EventID, err)
	}
	metrics.ThreadResolutions.WithLabelValues(res.Kind.String()).Inc()
	span.SetAttributes(
		attribute.String("beaver.thread", res.ThreadID),
		attribute.String("beaver.kind", res.Kind.String()),
	)
	if res.Duplicate {
		return nil
	}

	respond, err := b.shouldRespond(ctx, msg, res)
	if err != nil {
		return err
	}
	if !respond {
		slog.Debug("message stored without reply", "event", msg.EventID, "thread", res.ThreadID, "kind", res.Kind)
		return nil
	}
	return b.respond(ctx, out, res.Message, msg.IsMentioned)
}

// shouldRespond applies the response policy: new threads are answered,
// continuations only when the bot is mentioned or the thread is an
// ask-thread, standalone messages never.
func (b *Bot) shouldRespond(ctx context.Context, msg bus.InboundMessage, res *threads.Resolution) (bool, error) {
	switch res.Kind {
	case threads.NewThread:
		return true, nil
	case threads.Continuation, threads.ContinuationBackfill:
		if msg.IsMentioned || res.AskThread {
			return true, nil
		}
		ask, err := b.resolver.IsAskThread(ctx, res.ThreadID)
		if err != nil {
			return false, fmt.Errorf("check ask-thread %s: %w", res.ThreadID, err)
		}
		return ask, nil
	default:
		return false, nil
	}
}

// OnCommand handles ask and help. Unknown commands are ignored.
func (b *Bot) OnCommand(ctx context.Context, cmd bus.InboundCommand) error {
	out, err := b.outbox(cmd.Channel)
	if err != nil {
		return err
	}

	switch cmd.Name {
	case "help":
		b.notify(ctx, out, cmd.ChannelID, b.helpText(), channels.SendOptions{ThreadID: cmd.ThreadID, ReplyID: cmd.EventID})
		return nil
	case "ask":
		return b.ask(ctx, out, cmd)
	default:
		slog.Debug("ignoring unknown command", "command", cmd.Name, "transport", cmd.Channel)
		return nil
	}
}

// ask opens an ask-thread with the question, or continues the thread the
// command was issued in.
func (b *Bot) ask(ctx context.Context, out channels.Channel, cmd bus.InboundCommand) error {
	question := strings.TrimSpace(strings.Join(cmd.Args, " "))
	if question == "" {
		b.notify(ctx, out, cmd.ChannelID, askUsageText, channels.SendOptions{ThreadID: cmd.ThreadID, ReplyID: cmd.EventID})
		return nil
	}
	ctx, span := tracer.Start(ctx, "bot.ask")
	defer span.End()

	msg := bus.InboundMessage{
		Channel:   cmd.Channel,
		EventID:   cmd.EventID,
		ChannelID: cmd.ChannelID,
		SpaceID:   cmd.SpaceID,
		UserID:    cmd.UserID,
		Text:      question,
		CreatedAt: cmd.CreatedAt,
		ThreadID:  cmd.ThreadID,
	}
	res, err := b.resolver.Resolve(ctx, msg, threads.TriggerAsk)
	if err != nil {
		return fmt.Errorf("resolve ask %s: %w", cmd.EventID, err)
	}
	metrics.ThreadResolutions.WithLabelValues(res.Kind.String()).Inc()
	span.SetAttributes(attribute.String("beaver.thread", res.ThreadID))
	if res.Duplicate {
		return nil
	}
	return b.respond(ctx, out, res.Message, false)
}

// respond generates and posts the reply to origin's thread. Mention-triggered
// replies also see recent channel activity.
func (b *Bot) respond(ctx context.Context, out channels.Channel, origin *store.Message, withChannelContext bool) error {
	opts := channels.SendOptions{ThreadID: origin.ThreadID}
	if !b.limiter.Allow(origin.UserID) {
		metrics.Completions.WithLabelValues("rate_limited").Inc()
		slog.Info("completion rate limited", "user", origin.UserID, "thread", origin.ThreadID)
		b.notify(ctx, out, origin.ChannelID, slowDownText, opts)
		return nil
	}

	var (
		transcript *convo.Transcript
		fragment   string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := b.assembler.Transcript(gctx, origin.ThreadID, out.BotID())
		transcript = t
		return err
	})
	if withChannelContext {
		g.Go(func() error {
			f, err := b.assembler.ChannelContext(gctx, origin.ChannelID, out.BotID())
			if err != nil {
				slog.Warn("channel context unavailable", "channel", origin.ChannelID, "error", err)
				return nil
			}
			fragment = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("assemble context for %s: %w", origin.ThreadID, err)
	}
	if transcript == nil {
		slog.Debug("no thread context, not replying", "thread", origin.ThreadID)
		return nil
	}

	result := b.responder.Run(ctx, agent.RunRequest{
		Transcript:        transcript,
		ExtraSystemPrompt: fragment,
		Origin:            origin,
		Outbox:            out,
	})
	if !result.OK {
		slog.Warn("reply generation failed", "thread", origin.ThreadID, "run", result.RunID, "error", result.Err)
		b.notify(ctx, out, origin.ChannelID, apologyText, opts)
		return nil
	}

	id, err := out.SendMessage(ctx, origin.ChannelID, result.Content, opts)
	if err != nil {
		return fmt.Errorf("send reply to %s: %w", origin.ThreadID, err)
	}
	reply := &store.Message{
		EventID:   id,
		ThreadID:  origin.ThreadID,
		ChannelID: origin.ChannelID,
		SpaceID:   origin.SpaceID,
		UserID:    out.BotID(),
		Message:   result.Content,
		CreatedAt: b.now().UTC(),
	}
	if err := b.messages.Save(ctx, reply); err != nil && !store.IsDuplicate(err) {
		return fmt.Errorf("save reply %s: %w", id, err)
	}
	slog.Info("replied", "thread", origin.ThreadID, "event", id, "iterations", result.Iterations)
	return nil
}

// notify sends a message that is not part of the conversation record.
// Failures are logged only.
func (b *Bot) notify(ctx context.Context, out channels.Sender, channelID, text string, opts channels.SendOptions) {
	if _, err := out.SendMessage(ctx, channelID, text, opts); err != nil {
		slog.Warn("failed to send notice", "channel", channelID, "error", err)
	}
}

func (b *Bot) helpText() string {
	g := b.workflow.Glyphs()
	return fmt.Sprintf(`I'm Beaver. Here's what I can do:
• /ask <question> starts a thread with me. I answer every message in it.
• Mention me in any message or thread and I'll join in.
• I can read links and summarize long content.
• When I want to post somewhere else I ask first: react %s to approve or %s to cancel.`, g.Approve, g.Reject)
}
