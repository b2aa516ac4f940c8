// Package discord connects the bot to Discord through the gateway API.
// A thread channel maps to a conversation thread whose ID is the thread
// channel ID; Discord gives threads started from a message the ID of that
// message, so the root message and the thread share one identifier.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/config"
)

const (
	maxMessageLen     = 2000
	maxThreadNameLen  = 100
	threadArchiveMins = 1440
	trackedMessages   = 8192
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig

	// locations maps a message ID to the Discord channel it lives in, so
	// reactions and deletions reach messages posted inside threads.
	locations *lru.Cache[string, string]
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, pub bus.Publisher) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions

	locations, _ := lru.New[string, string](trackedMessages)
	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", pub, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		locations:   locations,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleReaction)
	c.session.AddHandler(c.handleInteraction)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.SetBotID(user.ID)

	if _, err := c.session.ApplicationCommandBulkOverwrite(user.ID, c.config.GuildID, slashCommands(), discordgo.WithContext(ctx)); err != nil {
		slog.Warn("failed to register discord slash commands", "error", err)
	}

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// SendMessage posts text to channelID. With a thread ID the text goes into
// the thread channel, which is started from the root message on first use.
// Long text is split; the ID of the first part is returned.
func (c *Channel) SendMessage(ctx context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	if !c.IsRunning() {
		return "", errors.New("discord bot not running")
	}
	if channelID == "" {
		return "", errors.New("empty channel ID for discord send")
	}

	target := channelID
	if opts.ThreadID != "" {
		target = c.threadChannel(ctx, channelID, opts.ThreadID)
	}

	var firstID string
	for i, chunk := range channels.SplitMessage(text, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && opts.ReplyID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyID, ChannelID: c.location(opts.ReplyID, target)}
		}
		msg, err := c.session.ChannelMessageSendComplex(target, send, discordgo.WithContext(ctx))
		if err != nil {
			return firstID, fmt.Errorf("send discord message: %w", err)
		}
		c.locations.Add(msg.ID, msg.ChannelID)
		if firstID == "" {
			firstID = msg.ID
		}
	}
	return firstID, nil
}

// SendReaction attaches a unicode emoji to a message.
func (c *Channel) SendReaction(ctx context.Context, channelID, eventID, glyph string) error {
	if err := c.session.MessageReactionAdd(c.location(eventID, channelID), eventID, glyph, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("add discord reaction: %w", err)
	}
	return nil
}

// RemoveEvent deletes a message.
func (c *Channel) RemoveEvent(ctx context.Context, channelID, eventID string) error {
	if err := c.session.ChannelMessageDelete(c.location(eventID, channelID), eventID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete discord message: %w", err)
	}
	c.locations.Remove(eventID)
	return nil
}

// location returns the Discord channel a message was seen in, or fallback.
func (c *Channel) location(messageID, fallback string) string {
	if loc, ok := c.locations.Get(messageID); ok {
		return loc
	}
	return fallback
}

// threadChannel returns the channel to post thread replies in. DMs have no
// threads; when one cannot be opened the reply goes to the parent channel.
func (c *Channel) threadChannel(ctx context.Context, channelID, threadID string) string {
	if threadID == channelID {
		return channelID
	}
	if ch, err := c.channel(ctx, threadID); err == nil && ch.IsThread() {
		return ch.ID
	}

	name := "Conversation"
	if root, err := c.session.ChannelMessage(channelID, threadID, discordgo.WithContext(ctx)); err == nil {
		name = threadName(root.Content)
	}
	thread, err := c.session.MessageThreadStart(channelID, threadID, name, threadArchiveMins, discordgo.WithContext(ctx))
	if err != nil {
		slog.Warn("failed to start discord thread, replying in channel",
			"channel", channelID, "thread", threadID, "error", err)
		return channelID
	}
	return thread.ID
}

// channel resolves a channel from the state cache, then the API.
func (c *Channel) channel(ctx context.Context, id string) (*discordgo.Channel, error) {
	if ch, err := c.session.State.Channel(id); err == nil {
		return ch, nil
	}
	return c.session.Channel(id, discordgo.WithContext(ctx))
}

// threadName derives a thread title from the root message.
func threadName(content string) string {
	name := strings.Join(strings.Fields(content), " ")
	if name == "" {
		return "Conversation"
	}
	if r := []rune(name); len(r) > maxThreadNameLen {
		name = string(r[:maxThreadNameLen-3]) + "..."
	}
	return name
}
