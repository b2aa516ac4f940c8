// Package protocol holds the JSON wire types of the webhook transport.
// Field names follow the chat event shapes the bot consumes, so a bridge
// can forward platform events with little translation.
package protocol

import "time"

// ProtocolVersion is bumped on incompatible wire changes.
const ProtocolVersion = 1

// Mention is a user referenced in a message.
type Mention struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// MessageEvent is posted to PathMessageEvent.
type MessageEvent struct {
	EventID     string    `json:"eventId"`
	ChannelID   string    `json:"channelId"`
	SpaceID     string    `json:"spaceId"`
	UserID      string    `json:"userId"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
	ThreadID    string    `json:"threadId,omitempty"`
	ReplyID     string    `json:"replyId,omitempty"`
	IsMentioned bool      `json:"isMentioned,omitempty"`
	Mentions    []Mention `json:"mentions,omitempty"`
}

// ReactionEvent is posted to PathReactionEvent.
type ReactionEvent struct {
	ChannelID string `json:"channelId,omitempty"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Reaction  string `json:"reaction"`
}

// CommandEvent is posted to PathCommandEvent.
type CommandEvent struct {
	CommandName string    `json:"commandName"`
	Args        []string  `json:"args"`
	ChannelID   string    `json:"channelId"`
	SpaceID     string    `json:"spaceId"`
	UserID      string    `json:"userId"`
	EventID     string    `json:"eventId"`
	CreatedAt   time.Time `json:"createdAt"`
	ThreadID    string    `json:"threadId,omitempty"`
}

// Accepted is the response to an inbound event.
type Accepted struct {
	OK bool `json:"ok"`
}

// ErrorResponse is returned with any non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Outbound is POSTed to the bridge's callback URL for every send the bot
// performs. Which fields are set depends on Action.
type Outbound struct {
	Action    string `json:"action"`
	ChannelID string `json:"channelId"`

	// ActionSendMessage
	Text     string `json:"text,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	ReplyID  string `json:"replyId,omitempty"`

	// ActionSendReaction and ActionRemoveEvent
	EventID string `json:"eventId,omitempty"`
	Glyph   string `json:"glyph,omitempty"`
}

// OutboundResult is the callback's answer. EventID is required for
// ActionSendMessage and ignored otherwise.
type OutboundResult struct {
	EventID string `json:"eventId"`
}
