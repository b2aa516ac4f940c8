// Package telegram connects the bot to Telegram via the Bot API using long
// polling. Telegram has no thread objects: a conversation thread is a reply
// chain, identified by the event ID of its root message.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/config"
)

const (
	maxMessageLen  = 4096
	trackedThreads = 16384
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig

	// threads maps event IDs seen or sent to the thread they belong to, so a
	// reply to any message of a chain lands in the chain's root thread.
	threads *lru.Cache[string, string]

	// reacted holds messages that already carry the bot's reaction. Telegram
	// keeps one reaction per bot, so a later one would replace the first.
	reacted *lru.Cache[string, struct{}]

	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when polling goroutine exits
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, pub bus.Publisher) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	threads, _ := lru.New[string, string](trackedThreads)
	reacted, _ := lru.New[string, struct{}](trackedThreads)
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", pub, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		threads:     threads,
		reacted:     reacted,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("fetch telegram bot identity: %w", err)
	}
	c.SetBotID(strconv.FormatInt(me.ID, 10))

	// Stop() cancels this context to shut down long polling.
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "message_reaction"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", me.Username, "id", me.ID)

	go func() {
		if err := c.SyncMenuCommands(pollCtx, DefaultMenuCommands()); err != nil {
			slog.Warn("failed to sync telegram menu commands", "error", err)
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(pollCtx, update.Message, me.Username)
				case update.MessageReaction != nil:
					c.handleReaction(update.MessageReaction)
				default:
					slog.Debug("telegram update skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendMessage posts text to a chat. Thread replies answer the thread root so
// the reply chain stays intact. Long text is split; the first part's event
// ID is returned.
func (c *Channel) SendMessage(ctx context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	if !c.IsRunning() {
		return "", errors.New("telegram bot not running")
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat %q: %w", channelID, err)
	}

	replyTo := opts.ReplyID
	if replyTo == "" {
		replyTo = opts.ThreadID
	}
	replyMsgID := 0
	if replyTo != "" {
		if chat, msgID, err := parseEventID(replyTo); err == nil && chat == chatID {
			replyMsgID = msgID
		}
	}

	var firstID string
	for i, chunk := range channels.SplitMessage(text, maxMessageLen) {
		params := tu.Message(tu.ID(chatID), chunk)
		if i == 0 && replyMsgID != 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyMsgID, AllowSendingWithoutReply: true}
		}
		sent, err := c.bot.SendMessage(ctx, params)
		if err != nil {
			return firstID, fmt.Errorf("send telegram message: %w", err)
		}
		id := eventID(chatID, sent.MessageID)
		if opts.ThreadID != "" {
			c.threads.Add(id, opts.ThreadID)
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, nil
}

// SendReaction sets the bot's reaction on a message. Bots hold one reaction
// per message, so a second call replaces the first.
func (c *Channel) SendReaction(ctx context.Context, _, eventID, glyph string) error {
	if c.reacted.Contains(eventID) {
		slog.Debug("telegram message already has a bot reaction", "event", eventID, "glyph", glyph)
		return nil
	}
	chatID, msgID, err := parseEventID(eventID)
	if err != nil {
		return err
	}
	err = c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: "emoji", Emoji: glyph}},
	})
	if err != nil {
		return fmt.Errorf("set telegram reaction: %w", err)
	}
	c.reacted.Add(eventID, struct{}{})
	return nil
}

// RemoveEvent deletes a message the bot posted.
func (c *Channel) RemoveEvent(ctx context.Context, _, eventID string) error {
	chatID, msgID, err := parseEventID(eventID)
	if err != nil {
		return err
	}
	if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(chatID), MessageID: msgID}); err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}
	return nil
}

// eventID makes message IDs unique across chats: "<chatID>:<messageID>".
func eventID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func parseEventID(id string) (int64, int, error) {
	chat, msg, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid telegram event id %q", id)
	}
	chatID, err := parseChatID(chat)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram event id %q: %w", id, err)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram event id %q: %w", id, err)
	}
	return chatID, msgID, nil
}

func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(chatIDStr), 10, 64)
}
