package bus

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/store"
)

// InboundMessage is a chat message delivered by a transport (Discord, Telegram, webhook).
type InboundMessage struct {
	Channel     string          `json:"channel"` // transport instance name
	EventID     string          `json:"eventId"`
	ChannelID   string          `json:"channelId"`
	SpaceID     string          `json:"spaceId"`
	UserID      string          `json:"userId"`
	Text        string          `json:"message"`
	CreatedAt   time.Time       `json:"createdAt"`
	ThreadID    string          `json:"threadId,omitempty"` // set when the transport placed it in a thread
	ReplyID     string          `json:"replyId,omitempty"`
	IsMentioned bool            `json:"isMentioned,omitempty"`
	Mentions    []store.Mention `json:"mentions,omitempty"`
}

// InboundReaction is a reaction glyph added to an existing message.
type InboundReaction struct {
	Channel   string `json:"channel"`
	ChannelID string `json:"channelId,omitempty"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Reaction  string `json:"reaction"`
}

// InboundCommand is a slash command issued by a user.
type InboundCommand struct {
	Channel   string    `json:"channel"`
	Name      string    `json:"commandName"`
	Args      []string  `json:"args"`
	ChannelID string    `json:"channelId"`
	SpaceID   string    `json:"spaceId"`
	UserID    string    `json:"userId"`
	EventID   string    `json:"eventId"`
	CreatedAt time.Time `json:"createdAt"`
	ThreadID  string    `json:"threadId,omitempty"`
}

// Inbound carries exactly one of the event kinds.
type Inbound struct {
	Message  *InboundMessage
	Reaction *InboundReaction
	Command  *InboundCommand
}

// Key identifies the event for redelivery detection.
func (e Inbound) Key() string {
	switch {
	case e.Message != nil:
		return "msg:" + e.Message.Channel + ":" + e.Message.EventID
	case e.Command != nil:
		return "cmd:" + e.Command.Channel + ":" + e.Command.EventID
	case e.Reaction != nil:
		r := e.Reaction
		return "react:" + r.Channel + ":" + r.MessageID + ":" + r.UserID + ":" + r.Reaction
	}
	return ""
}

// Kind names the event kind for logs and metrics.
func (e Inbound) Kind() string {
	switch {
	case e.Message != nil:
		return "message"
	case e.Command != nil:
		return "command"
	case e.Reaction != nil:
		return "reaction"
	}
	return "unknown"
}

// Publisher is what transports need from the bus.
type Publisher interface {
	PublishInbound(ev Inbound)
}

// Consumer is what the event dispatcher needs from the bus.
type Consumer interface {
	ConsumeInbound(ctx context.Context) (Inbound, bool)
}
