package store

import (
	"context"
	"time"
)

// Mention is a user addressed inside a message, in source-text order.
type Mention struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Message is one entry of the append-only message log.
// Only ThreadID and IsThreadStarter change after the first write (backfill).
type Message struct {
	EventID         string    `json:"eventId"`
	ThreadID        string    `json:"threadId"`
	ChannelID       string    `json:"channelId"`
	SpaceID         string    `json:"spaceId"`
	UserID          string    `json:"userId"`
	Message         string    `json:"message"`
	ReplyID         string    `json:"replyId,omitempty"`
	IsMentioned     bool      `json:"isMentioned"`
	Mentions        []Mention `json:"mentions,omitempty"`
	IsThreadStarter bool      `json:"isThreadStarter"`
	IsAskThread     bool      `json:"isAskThread"`
	CreatedAt       time.Time `json:"createdAt"`
}

// IsUnlinked reports whether the message still points at itself as thread.
func (m *Message) IsUnlinked() bool {
	return m.ThreadID == m.EventID
}

// MessageStore persists messages and answers thread and channel queries.
// Implementations contain no business logic. Lookups that find nothing
// return (nil, nil) unless documented otherwise.
type MessageStore interface {
	// Save inserts msg. A second Save with the same EventID fails with a
	// KindDuplicate error.
	Save(ctx context.Context, msg *Message) error

	// Get returns the message with the given event ID or a KindNotFound error.
	Get(ctx context.Context, eventID string) (*Message, error)

	// ThreadMessages returns every message of a thread, oldest first.
	ThreadMessages(ctx context.Context, threadID string) ([]Message, error)

	// ThreadStarter returns the message flagged as starter for threadID.
	ThreadStarter(ctx context.Context, threadID string) (*Message, error)

	// EarliestInThread returns the oldest message carrying threadID.
	EarliestInThread(ctx context.Context, threadID string) (*Message, error)

	// PromoteStarter links eventID into threadID and flags it as starter,
	// provided the message is still unlinked and the thread has no starter.
	// It reports whether a row changed.
	PromoteStarter(ctx context.Context, eventID, threadID string) (bool, error)

	// RecentStarters returns up to limit starter messages of a channel,
	// newest first.
	RecentStarters(ctx context.Context, channelID string, limit int) ([]Message, error)

	// ThreadWindows returns, for each thread ID, up to perThread of its
	// oldest messages. Rows are grouped by thread and ordered oldest first
	// inside each group.
	ThreadWindows(ctx context.Context, threadIDs []string, perThread int) ([]Message, error)
}
