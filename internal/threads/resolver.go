package threads

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/store"
)

// Resolution is the outcome of resolving one inbound message.
type Resolution struct {
	Kind     Kind
	ThreadID string
	Message  *store.Message
	// AskThread is true when the thread was opened with the ask command.
	AskThread bool
	// Duplicate is true when the event was already stored by an earlier delivery.
	Duplicate bool
}

// Options tunes the resolver.
type Options struct {
	AskCacheSize int
	AskCacheTTL  time.Duration
}

// Resolver classifies and persists inbound messages.
type Resolver struct {
	messages store.MessageStore
	asks     *askCache
	backfill singleflight.Group
}

func NewResolver(messages store.MessageStore, opts Options) *Resolver {
	if opts.AskCacheTTL == 0 {
		opts.AskCacheTTL = 24 * time.Hour
	}
	return &Resolver{
		messages: messages,
		asks:     newAskCache(opts.AskCacheSize, opts.AskCacheTTL),
	}
}

// Resolve classifies msg, backfills the thread starter if needed and stores
// msg. Store failures are returned; a redelivered event is reported through
// Resolution.Duplicate instead of an error.
func (r *Resolver) Resolve(ctx context.Context, msg bus.InboundMessage, trigger Trigger) (*Resolution, error) {
	starterKnown := false
	if msg.ThreadID != "" && msg.ThreadID != msg.EventID {
		root, err := r.threadOf(ctx, msg.ThreadID)
		if err != nil {
			return nil, err
		}
		msg.ThreadID = root
	}
	if msg.ThreadID != "" && msg.ThreadID != msg.EventID {
		starter, err := r.messages.ThreadStarter(ctx, msg.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("look up thread starter: %w", err)
		}
		starterKnown = starter != nil
		if starter != nil && starter.IsAskThread {
			r.asks.Add(msg.ThreadID)
		}
	}

	kind := Classify(msg, trigger, starterKnown)
	rec := toRecord(msg)
	res := &Resolution{Kind: kind, Message: rec}

	switch kind {
	case Standalone:
		rec.ThreadID, rec.IsThreadStarter = msg.EventID, true
	case NewThread:
		rec.ThreadID, rec.IsThreadStarter = msg.EventID, true
		rec.IsAskThread = trigger == TriggerAsk
	case Continuation:
		rec.ThreadID = msg.ThreadID
	case ContinuationBackfill:
		rec.ThreadID = msg.ThreadID
		if err := r.Backfill(ctx, msg.ThreadID); err != nil {
			return nil, err
		}
	}
	res.ThreadID = rec.ThreadID

	if err := r.messages.Save(ctx, rec); err != nil {
		if !store.IsDuplicate(err) {
			return nil, fmt.Errorf("save message: %w", err)
		}
		slog.Debug("message already stored", "event", msg.EventID)
		res.Duplicate = true
	}

	if rec.IsAskThread {
		r.asks.Add(rec.ThreadID)
	}
	res.AskThread = rec.IsAskThread || r.asks.Contains(rec.ThreadID)
	return res, nil
}

// threadOf returns the thread a referenced message belongs to. Transports
// may reference any message of a thread (a reply to a reply); a reference
// to an unknown message is taken as the thread ID itself.
func (r *Resolver) threadOf(ctx context.Context, ref string) (string, error) {
	m, err := r.messages.Get(ctx, ref)
	if store.IsNotFound(err) {
		return ref, nil
	}
	if err != nil {
		return "", fmt.Errorf("look up referenced message: %w", err)
	}
	if m.ThreadID != "" && m.ThreadID != ref {
		slog.Debug("following reference to its thread", "ref", ref, "thread", m.ThreadID)
		return m.ThreadID, nil
	}
	return ref, nil
}

// Backfill makes sure threadID has a starter, promoting the earliest stored
// message of the thread (or the message whose event ID is threadID) when
// none is flagged yet. Concurrent calls for the same thread in this process
// share one attempt; across processes the conditional write makes losers
// no-ops.
func (r *Resolver) Backfill(ctx context.Context, threadID string) error {
	_, err, shared := r.backfill.Do(threadID, func() (any, error) {
		return nil, r.backfillOnce(ctx, threadID)
	})
	if shared {
		slog.Debug("backfill shared with concurrent caller", "thread", threadID)
	}
	return err
}

func (r *Resolver) backfillOnce(ctx context.Context, threadID string) error {
	starter, err := r.messages.ThreadStarter(ctx, threadID)
	if err != nil {
		return fmt.Errorf("look up thread starter: %w", err)
	}
	if starter != nil {
		return nil
	}

	candidate, err := r.messages.EarliestInThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("find earliest thread message: %w", err)
	}
	if candidate == nil {
		candidate, err = r.messages.Get(ctx, threadID)
		if store.IsNotFound(err) {
			slog.Debug("backfill found no root", "thread", threadID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("find thread root: %w", err)
		}
	}
	if !candidate.IsUnlinked() {
		return nil
	}

	promoted, err := r.messages.PromoteStarter(ctx, candidate.EventID, threadID)
	if err != nil {
		return fmt.Errorf("promote thread starter: %w", err)
	}
	if promoted {
		slog.Info("thread backfilled", "thread", threadID, "starter", candidate.EventID)
		if candidate.IsAskThread {
			r.asks.Add(threadID)
		}
	}
	return nil
}

// IsAskThread reports whether threadID was opened with the ask command,
// consulting the cache before the store.
func (r *Resolver) IsAskThread(ctx context.Context, threadID string) (bool, error) {
	if r.asks.Contains(threadID) {
		return true, nil
	}
	starter, err := r.messages.ThreadStarter(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("look up thread starter: %w", err)
	}
	if starter != nil && starter.IsAskThread {
		r.asks.Add(threadID)
		return true, nil
	}
	return false, nil
}

func toRecord(msg bus.InboundMessage) *store.Message {
	return &store.Message{
		EventID:     msg.EventID,
		ThreadID:    msg.ThreadID,
		ChannelID:   msg.ChannelID,
		SpaceID:     msg.SpaceID,
		UserID:      msg.UserID,
		Message:     msg.Text,
		ReplyID:     msg.ReplyID,
		IsMentioned: msg.IsMentioned,
		Mentions:    msg.Mentions,
		CreatedAt:   msg.CreatedAt,
	}
}
