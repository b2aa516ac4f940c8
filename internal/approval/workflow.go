package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/metrics"
	"github.com/nextlevelbuilder/beaver/internal/store"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/beaver/approval")

// Outbox is the transport a draft is posted through.
type Outbox interface {
	channels.Sender
	BotID() string
}

// Executor performs an approved action and returns a confirmation for the user.
type Executor interface {
	Execute(ctx context.Context, out Outbox, call *store.PendingToolcall) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, out Outbox, call *store.PendingToolcall) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, out Outbox, call *store.PendingToolcall) (string, error) {
	return f(ctx, out, call)
}

// draftSettleTimeout bounds how long a reaction waits for a draft being
// posted to be stored.
const draftSettleTimeout = 10 * time.Second

// Outcome reports what HandleReaction did.
type Outcome string

const (
	OutcomeIgnored         Outcome = "ignored"
	OutcomeUnauthorized    Outcome = "unauthorized"
	OutcomeAlreadyDecided  Outcome = "already_decided"
	OutcomeExecuted        Outcome = "executed"
	OutcomeExecutionFailed Outcome = "execution_failed"
	OutcomeRejected        Outcome = "rejected"
)

// Workflow owns PendingToolcall records.
type Workflow struct {
	messages  store.MessageStore
	toolcalls store.ToolcallStore
	glyphs    Glyphs

	mu        sync.RWMutex
	executors map[string]Executor

	drafting inflight

	now func() time.Time
}

func New(messages store.MessageStore, toolcalls store.ToolcallStore, glyphs Glyphs) *Workflow {
	if glyphs.Approve == "" || glyphs.Reject == "" {
		glyphs = DefaultGlyphs()
	}
	return &Workflow{
		messages:  messages,
		toolcalls: toolcalls,
		glyphs:    glyphs,
		executors: make(map[string]Executor),
		now:       time.Now,
	}
}

// Glyphs returns the configured approve and reject glyphs.
func (w *Workflow) Glyphs() Glyphs { return w.glyphs }

// Register installs the executor for a guarded tool.
func (w *Workflow) Register(toolName string, ex Executor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executors[toolName] = ex
}

func (w *Workflow) executor(toolName string) (Executor, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ex, ok := w.executors[toolName]
	return ex, ok
}

// DraftRequest describes a guarded action the agent wants to take.
type DraftRequest struct {
	Origin      *store.Message // message that made the agent propose the action
	ToolName    string
	Args        json.RawMessage
	Description string // human readable, e.g. `send "ping" to channel C2`
}

// Draft posts the approval request next to the origin message, stores it
// and the pending record, and attaches the approve and reject reactions.
func (w *Workflow) Draft(ctx context.Context, out Outbox, req DraftRequest) (*store.PendingToolcall, error) {
	if req.Origin == nil {
		return nil, errors.New("draft requires an origin message")
	}
	ctx, span := tracer.Start(ctx, "approval.draft")
	defer span.End()
	span.SetAttributes(attribute.String("beaver.tool", req.ToolName))

	done := w.drafting.begin()
	defer done()

	origin := req.Origin
	text := fmt.Sprintf("I'd like to %s.\n\nReact with %s to approve or %s to cancel.",
		req.Description, w.glyphs.Approve, w.glyphs.Reject)

	draftID, err := out.SendMessage(ctx, origin.ChannelID, text, channels.SendOptions{ThreadID: origin.ThreadID})
	if err != nil {
		return nil, fmt.Errorf("send draft: %w", err)
	}

	draft := &store.Message{
		EventID:   draftID,
		ThreadID:  origin.ThreadID,
		ChannelID: origin.ChannelID,
		SpaceID:   origin.SpaceID,
		UserID:    out.BotID(),
		Message:   text,
		CreatedAt: w.now().UTC(),
	}
	if draft.ThreadID == "" {
		draft.ThreadID, draft.IsThreadStarter = draftID, true
	}

	tc := &store.PendingToolcall{
		ID:              uuid.NewString(),
		DraftEventID:    draftID,
		OriginalEventID: origin.EventID,
		ToolName:        req.ToolName,
		ToolArgs:        req.Args,
		Status:          store.ToolcallPending,
	}
	if err := w.persistDraft(ctx, draft, tc); err != nil {
		// An orphaned draft could be approved without a record; take it down.
		if rmErr := out.RemoveEvent(ctx, origin.ChannelID, draftID); rmErr != nil {
			slog.Warn("failed to remove orphaned draft", "draft", draftID, "error", rmErr)
		}
		return nil, err
	}
	done()

	for _, glyph := range []string{w.glyphs.Approve, w.glyphs.Reject} {
		if err := out.SendReaction(ctx, origin.ChannelID, draftID, glyph); err != nil {
			slog.Warn("failed to add approval reaction", "draft", draftID, "glyph", glyph, "error", err)
		}
	}

	slog.Info("guarded action drafted", "toolcall", tc.ID, "tool", tc.ToolName, "draft", draftID, "origin", origin.EventID)
	return tc, nil
}

func (w *Workflow) persistDraft(ctx context.Context, draft *store.Message, tc *store.PendingToolcall) error {
	if err := w.messages.Save(ctx, draft); err != nil && !store.IsDuplicate(err) {
		return fmt.Errorf("save draft message: %w", err)
	}
	if err := w.toolcalls.CreateToolcall(ctx, tc); err != nil {
		return fmt.Errorf("save pending toolcall: %w", err)
	}
	return nil
}

// HandleReaction applies a reaction to the pending record of the reacted
// message. Reactions that are not decisions, target no draft or come from
// anyone but the original author change nothing. Execution happens only
// for the caller whose status transition succeeded.
func (w *Workflow) HandleReaction(ctx context.Context, out Outbox, r bus.InboundReaction) (Outcome, error) {
	outcome, err := w.handleReaction(ctx, out, r)
	metrics.ApprovalOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (w *Workflow) handleReaction(ctx context.Context, out Outbox, r bus.InboundReaction) (Outcome, error) {
	decision, ok := w.glyphs.Parse(r.Reaction)
	if !ok || r.UserID == out.BotID() {
		return OutcomeIgnored, nil
	}

	tc, err := w.toolcallByDraft(ctx, r.MessageID)
	if err != nil {
		return OutcomeIgnored, err
	}
	if tc == nil {
		return OutcomeIgnored, nil
	}

	ctx, span := tracer.Start(ctx, "approval.reaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("beaver.toolcall", tc.ID),
		attribute.String("beaver.decision", decision.String()),
	)

	original, err := w.messages.Get(ctx, tc.OriginalEventID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("load original message %s: %w", tc.OriginalEventID, err)
	}
	if original.UserID != r.UserID {
		slog.Warn("ignoring approval reaction from non-author",
			"toolcall", tc.ID, "user", r.UserID, "author", original.UserID)
		return OutcomeUnauthorized, nil
	}
	if tc.Status.Terminal() {
		return OutcomeAlreadyDecided, nil
	}

	target := store.ToolcallRejected
	if decision == Approve {
		target = store.ToolcallApproved
	}
	won, err := w.toolcalls.TransitionToolcall(ctx, tc.ID, target)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("transition toolcall %s: %w", tc.ID, err)
	}
	if !won {
		slog.Info("toolcall already decided", "toolcall", tc.ID)
		return OutcomeAlreadyDecided, nil
	}

	thread := w.noticeThread(ctx, tc, original)
	if decision == Reject {
		slog.Info("guarded action rejected", "toolcall", tc.ID, "tool", tc.ToolName)
		w.notify(ctx, out, original, thread, "Cancelled. I won't do that.")
		return OutcomeRejected, nil
	}

	ex, ok := w.executor(tc.ToolName)
	if !ok {
		slog.Error("no executor for approved tool", "toolcall", tc.ID, "tool", tc.ToolName)
		w.notify(ctx, out, original, thread, fmt.Sprintf("Approved, but I don't know how to run %s.", tc.ToolName))
		return OutcomeExecutionFailed, nil
	}
	result, err := ex.Execute(ctx, out, tc)
	if err != nil {
		slog.Warn("approved action failed", "toolcall", tc.ID, "tool", tc.ToolName, "error", err)
		span.RecordError(err)
		w.notify(ctx, out, original, thread, fmt.Sprintf("Approved, but it failed: %v", err))
		return OutcomeExecutionFailed, nil
	}

	slog.Info("guarded action executed", "toolcall", tc.ID, "tool", tc.ToolName)
	w.notify(ctx, out, original, thread, result)
	return OutcomeExecuted, nil
}

// toolcallByDraft looks up the record of a draft. A miss while drafts are
// being posted waits for them to be stored and looks again.
func (w *Workflow) toolcallByDraft(ctx context.Context, draftID string) (*store.PendingToolcall, error) {
	tc, err := w.toolcalls.ToolcallByDraft(ctx, draftID)
	if err != nil || tc != nil {
		return tc, wrapLookup(draftID, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, draftSettleTimeout)
	defer cancel()
	if !w.drafting.wait(waitCtx) {
		return nil, nil
	}
	tc, err = w.toolcalls.ToolcallByDraft(ctx, draftID)
	return tc, wrapLookup(draftID, err)
}

func wrapLookup(draftID string, err error) error {
	if err != nil {
		return fmt.Errorf("look up toolcall for %s: %w", draftID, err)
	}
	return nil
}

// noticeThread returns the thread the draft lives in.
func (w *Workflow) noticeThread(ctx context.Context, tc *store.PendingToolcall, original *store.Message) string {
	draft, err := w.messages.Get(ctx, tc.DraftEventID)
	if err != nil {
		return original.ThreadID
	}
	return draft.ThreadID
}

// notify posts a notice and records it in the thread. Failures are logged only.
func (w *Workflow) notify(ctx context.Context, out Outbox, original *store.Message, threadID, text string) {
	id, err := out.SendMessage(ctx, original.ChannelID, text, channels.SendOptions{ThreadID: threadID})
	if err != nil {
		slog.Warn("failed to post approval notice", "channel", original.ChannelID, "error", err)
		return
	}
	notice := &store.Message{
		EventID:   id,
		ThreadID:  threadID,
		ChannelID: original.ChannelID,
		SpaceID:   original.SpaceID,
		UserID:    out.BotID(),
		Message:   text,
		CreatedAt: w.now().UTC(),
	}
	if err := w.messages.Save(ctx, notice); err != nil {
		slog.Warn("failed to record approval notice", "event", id, "error", err)
	}
}
