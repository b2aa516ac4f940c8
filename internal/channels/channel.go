// Package channels connects chat platforms (Discord, Telegram, generic
// webhooks) to the bot: adapters publish inbound events on the bus and
// expose a Sender for replies, reactions and deletions.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/beaver/internal/bus"
)

// SendOptions places an outbound message inside a conversation.
type SendOptions struct {
	ThreadID string
	ReplyID  string
}

// Sender is the outbound half of a transport.
type Sender interface {
	// SendMessage posts text and returns the event ID the platform assigned.
	SendMessage(ctx context.Context, channelID, text string, opts SendOptions) (string, error)

	// SendReaction attaches glyph to an existing event.
	SendReaction(ctx context.Context, channelID, eventID, glyph string) error

	// RemoveEvent deletes an event the bot posted.
	RemoveEvent(ctx context.Context, channelID, eventID string) error
}

// Channel is a running transport.
type Channel interface {
	Sender

	// Name returns the transport instance name ("discord", "telegram", "webhook").
	Name() string

	// BotID returns the platform user ID the bot posts as. It is only
	// meaningful after Start.
	BotID() string

	// Start connects and begins publishing inbound events. Non-blocking.
	Start(ctx context.Context) error

	// Stop disconnects.
	Stop(ctx context.Context) error

	IsRunning() bool
}

// BaseChannel carries the state every adapter shares.
// Adapters embed it.
type BaseChannel struct {
	name      string
	bus       bus.Publisher
	running   atomic.Bool
	botID     atomic.Value // string
	allowList []string
}

func NewBaseChannel(name string, pub bus.Publisher, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, bus: pub, allowList: allowList}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

func (c *BaseChannel) BotID() string {
	id, _ := c.botID.Load().(string)
	return id
}

func (c *BaseChannel) SetBotID(id string) { c.botID.Store(id) }

// IsAllowed reports whether a user may talk to the bot. An empty
// allowlist admits everyone. Entries may carry a leading "@".
func (c *BaseChannel) IsAllowed(userID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if userID == allowed || userID == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// HandleMessage stamps msg with the channel name and publishes it.
// Messages from the bot itself or from users outside the allowlist are dropped.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) {
	if msg.UserID == c.BotID() || !c.IsAllowed(msg.UserID) {
		return
	}
	msg.Channel = c.name
	c.bus.PublishInbound(bus.Inbound{Message: &msg})
}

// HandleReaction publishes a reaction event.
func (c *BaseChannel) HandleReaction(r bus.InboundReaction) {
	if r.UserID == c.BotID() {
		return
	}
	r.Channel = c.name
	c.bus.PublishInbound(bus.Inbound{Reaction: &r})
}

// HandleCommand publishes a command event.
func (c *BaseChannel) HandleCommand(cmd bus.InboundCommand) {
	if !c.IsAllowed(cmd.UserID) {
		return
	}
	cmd.Channel = c.name
	c.bus.PublishInbound(bus.Inbound{Command: &cmd})
}

// SplitMessage breaks text into chunks of at most maxLen runes, preferring
// newline boundaries.
func SplitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// ParseCommand splits "/ask what is go" into ("ask", ["what", "is", "go"]).
// It returns false when text is not a command. A "@botname" suffix on the
// command word is dropped.
func ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name := fields[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:], true
}
