package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/store"
)

// handleMessage turns a Telegram message into a message or command event.
func (c *Channel) handleMessage(_ context.Context, message *telego.Message, botUsername string) {
	user := message.From
	if user == nil || user.IsBot && strconv.FormatInt(user.ID, 10) == c.BotID() {
		return
	}
	userID := strconv.FormatInt(user.ID, 10)
	if !c.IsAllowed(userID) && (user.Username == "" || !c.IsAllowed(user.Username)) {
		slog.Debug("telegram message rejected by allowlist", "user_id", userID, "username", user.Username)
		return
	}

	chatID := message.Chat.ID
	id := eventID(chatID, message.MessageID)
	createdAt := time.Unix(message.Date, 0).UTC()

	// A new forum topic is stored as a standalone message named after the
	// topic, so the topic's messages have a starter to continue.
	if topic := message.ForumTopicCreated; topic != nil {
		c.HandleMessage(bus.InboundMessage{
			EventID:   id,
			ChannelID: strconv.FormatInt(chatID, 10),
			UserID:    userID,
			Text:      topic.Name,
			CreatedAt: createdAt,
		})
		return
	}
	// Other service messages (members joined, title changed) carry no text.
	if strings.TrimSpace(message.Text) == "" {
		return
	}

	replyID, threadID := c.threadOf(message)
	if threadID != "" {
		c.threads.Add(id, threadID)
	}

	if name, args, ok := channels.ParseCommand(message.Text); ok {
		c.HandleCommand(bus.InboundCommand{
			Name:      name,
			Args:      args,
			ChannelID: strconv.FormatInt(chatID, 10),
			UserID:    userID,
			EventID:   id,
			CreatedAt: createdAt,
			ThreadID:  threadID,
		})
		return
	}

	mentions, mentioned := entityMentions(message.Text, message.Entities, c.BotID(), botUsername)
	if reply := message.ReplyToMessage; reply != nil && reply.From != nil &&
		strconv.FormatInt(reply.From.ID, 10) == c.BotID() {
		mentioned = true
	}

	slog.Debug("telegram message received",
		"chat_id", chatID, "chat_type", message.Chat.Type, "user_id", userID, "mentioned", mentioned)

	c.HandleMessage(bus.InboundMessage{
		EventID:     id,
		ChannelID:   strconv.FormatInt(chatID, 10),
		UserID:      userID,
		Text:        message.Text,
		CreatedAt:   createdAt,
		ThreadID:    threadID,
		ReplyID:     replyID,
		IsMentioned: mentioned,
		Mentions:    mentions,
	})
}

// threadOf returns the message a Telegram message replies to and the thread
// it joins. Forum topic messages join the topic. A reply joins the thread of
// its target when that is known here, else the target itself; the resolver
// follows a stored target to its own thread.
func (c *Channel) threadOf(message *telego.Message) (replyID, threadID string) {
	chatID := message.Chat.ID
	reply := message.ReplyToMessage
	if reply != nil && reply.ForumTopicCreated == nil {
		replyID = eventID(chatID, reply.MessageID)
	}
	switch {
	case message.IsTopicMessage && message.MessageThreadID != 0:
		threadID = eventID(chatID, message.MessageThreadID)
	case replyID != "":
		threadID = replyID
		if root, ok := c.threads.Get(replyID); ok {
			threadID = root
		}
	}
	return replyID, threadID
}

// handleReaction forwards glyphs that are new in a reaction update.
// Anonymous reactions (channel posts, anonymous admins) carry no user.
func (c *Channel) handleReaction(r *telego.MessageReactionUpdated) {
	if r.User == nil {
		return
	}
	userID := strconv.FormatInt(r.User.ID, 10)
	if !c.IsAllowed(userID) {
		return
	}

	old := make(map[string]bool, len(r.OldReaction))
	for _, rt := range r.OldReaction {
		if glyph := emojiOf(rt); glyph != "" {
			old[glyph] = true
		}
	}
	for _, rt := range r.NewReaction {
		glyph := emojiOf(rt)
		if glyph == "" || old[glyph] {
			continue
		}
		c.HandleReaction(bus.InboundReaction{
			ChannelID: strconv.FormatInt(r.Chat.ID, 10),
			MessageID: eventID(r.Chat.ID, r.MessageID),
			UserID:    userID,
			Reaction:  glyph,
		})
	}
}

// emojiOf returns the glyph of a plain emoji reaction; custom emoji and
// paid reactions yield "".
func emojiOf(rt telego.ReactionType) string {
	switch v := rt.(type) {
	case *telego.ReactionTypeEmoji:
		return v.Emoji
	}
	return ""
}

// entityMentions lists mentioned users in text order and reports whether the
// bot itself is among them. Entity offsets count UTF-16 code units.
func entityMentions(text string, entities []telego.MessageEntity, botID, botUsername string) ([]store.Mention, bool) {
	var (
		mentions  []store.Mention
		mentioned bool
		seen      = make(map[string]bool)
	)
	units := utf16.Encode([]rune(text))
	for _, e := range entities {
		var m store.Mention
		switch e.Type {
		case "mention":
			name := strings.TrimPrefix(entityText(units, e.Offset, e.Length), "@")
			if name == "" {
				continue
			}
			if botUsername != "" && strings.EqualFold(name, botUsername) {
				mentioned = true
				continue
			}
			m = store.Mention{UserID: name, DisplayName: "@" + name}
		case "text_mention":
			if e.User == nil {
				continue
			}
			uid := strconv.FormatInt(e.User.ID, 10)
			if uid == botID {
				mentioned = true
				continue
			}
			m = store.Mention{UserID: uid, DisplayName: strings.TrimSpace(e.User.FirstName + " " + e.User.LastName)}
		default:
			continue
		}
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		mentions = append(mentions, m)
	}
	return mentions, mentioned
}

func entityText(units []uint16, offset, length int) string {
	if offset < 0 || length <= 0 || offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}
