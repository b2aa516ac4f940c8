// Package convo rebuilds conversations from the message log in the shapes
// the completion provider consumes.
package convo

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/store"
)

// Role of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a thread transcript.
type Turn struct {
	Role      Role      `json:"role"`
	UserID    string    `json:"userId"`
	EventID   string    `json:"eventId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transcript is the ordered conversation of one thread.
type Transcript struct {
	ThreadID      string `json:"threadId"`
	InitialPrompt string `json:"initialPrompt"`
	StarterID     string `json:"starterId"`
	AskThread     bool   `json:"askThread"`
	Turns         []Turn `json:"turns"`
}

// Options sizes the enrichment window.
type Options struct {
	RecentThreads  int // N starters per channel
	ThreadMessages int // M messages per thread
}

// Assembler builds transcripts and channel context from a MessageStore.
type Assembler struct {
	messages store.MessageStore
	opts     Options
}

func NewAssembler(messages store.MessageStore, opts Options) *Assembler {
	if opts.RecentThreads <= 0 {
		opts.RecentThreads = 10
	}
	if opts.ThreadMessages <= 0 {
		opts.ThreadMessages = 20
	}
	return &Assembler{messages: messages, opts: opts}
}

// Transcript returns the conversation of threadID oldest first. Messages
// authored by botID become assistant turns. It returns nil without error
// when the thread has no starter; callers must not respond in that case.
func (a *Assembler) Transcript(ctx context.Context, threadID, botID string) (*Transcript, error) {
	msgs, err := a.messages.ThreadMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}

	var starter *store.Message
	for i := range msgs {
		if msgs[i].IsThreadStarter {
			starter = &msgs[i]
			break
		}
	}
	if starter == nil {
		return nil, nil
	}

	t := &Transcript{
		ThreadID:      threadID,
		InitialPrompt: starter.Message,
		StarterID:     starter.EventID,
		AskThread:     starter.IsAskThread,
		Turns:         make([]Turn, 0, len(msgs)),
	}
	for _, m := range msgs {
		role := RoleUser
		if botID != "" && m.UserID == botID {
			role = RoleAssistant
		}
		t.Turns = append(t.Turns, Turn{
			Role:      role,
			UserID:    m.UserID,
			EventID:   m.EventID,
			Text:      m.Message,
			CreatedAt: m.CreatedAt,
		})
	}
	return t, nil
}
