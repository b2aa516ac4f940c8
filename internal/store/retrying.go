package store

import (
	"context"

	"github.com/nextlevelbuilder/beaver/internal/retry"
)

// retryingMessages retries transient MessageStore failures. Every
// operation is keyed by primary key or is a read, so replays are safe.
type retryingMessages struct {
	next   MessageStore
	policy retry.Policy
}

func (r *retryingMessages) Save(ctx context.Context, msg *Message) error {
	return retry.Run(ctx, r.policy, IsTransient, func(ctx context.Context) error {
		return r.next.Save(ctx, msg)
	})
}

func (r *retryingMessages) Get(ctx context.Context, eventID string) (*Message, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) (*Message, error) {
		return r.next.Get(ctx, eventID)
	})
}

func (r *retryingMessages) ThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) ([]Message, error) {
		return r.next.ThreadMessages(ctx, threadID)
	})
}

func (r *retryingMessages) ThreadStarter(ctx context.Context, threadID string) (*Message, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) (*Message, error) {
		return r.next.ThreadStarter(ctx, threadID)
	})
}

func (r *retryingMessages) EarliestInThread(ctx context.Context, threadID string) (*Message, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) (*Message, error) {
		return r.next.EarliestInThread(ctx, threadID)
	})
}

func (r *retryingMessages) PromoteStarter(ctx context.Context, eventID, threadID string) (bool, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) (bool, error) {
		return r.next.PromoteStarter(ctx, eventID, threadID)
	})
}

func (r *retryingMessages) RecentStarters(ctx context.Context, channelID string, limit int) ([]Message, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) ([]Message, error) {
		return r.next.RecentStarters(ctx, channelID, limit)
	})
}

func (r *retryingMessages) ThreadWindows(ctx context.Context, threadIDs []string, perThread int) ([]Message, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) ([]Message, error) {
		return r.next.ThreadWindows(ctx, threadIDs, perThread)
	})
}

type retryingToolcalls struct {
	next   ToolcallStore
	policy retry.Policy
}

func (r *retryingToolcalls) CreateToolcall(ctx context.Context, tc *PendingToolcall) error {
	return retry.Run(ctx, r.policy, IsTransient, func(ctx context.Context) error {
		return r.next.CreateToolcall(ctx, tc)
	})
}

func (r *retryingToolcalls) GetToolcall(ctx context.Context, id string) (*PendingToolcall, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) (*PendingToolcall, error) {
		return r.next.GetToolcall(ctx, id)
	})
}

func (r *retryingToolcalls) ToolcallByDraft(ctx context.Context, draftEventID string) (*PendingToolcall, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) (*PendingToolcall, error) {
		return r.next.ToolcallByDraft(ctx, draftEventID)
	})
}

// TransitionToolcall is a conditional write on status, so a replay after
// an ambiguous failure reports false rather than applying twice.
func (r *retryingToolcalls) TransitionToolcall(ctx context.Context, id string, status ToolcallStatus) (bool, error) {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) (bool, error) {
		return r.next.TransitionToolcall(ctx, id, status)
	})
}
