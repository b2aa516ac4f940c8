package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/store"
)

const handlerTimeout = 10 * time.Second

func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "ask",
			Description: "Ask Beaver a question in a new thread",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "question",
				Description: "What do you want to know?",
				Required:    true,
			}},
		},
		{Name: "help", Description: "Show what Beaver can do"},
	}
}

// placement resolves where a Discord channel sits in the conversation model:
// messages in a thread channel belong to the parent channel and to the
// thread whose ID is the thread channel's ID.
func (c *Channel) placement(ctx context.Context, discordChannelID string) (channelID, threadID string) {
	ch, err := c.channel(ctx, discordChannelID)
	if err != nil || !ch.IsThread() {
		return discordChannelID, ""
	}
	return ch.ParentID, ch.ID
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.BotID() {
		return
	}
	if !c.IsAllowed(m.Author.ID) {
		slog.Debug("discord message rejected by allowlist", "user_id", m.Author.ID)
		return
	}
	if m.Content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	c.locations.Add(m.ID, m.ChannelID)
	channelID, threadID := c.placement(ctx, m.ChannelID)

	msg := bus.InboundMessage{
		EventID:   m.ID,
		ChannelID: channelID,
		SpaceID:   m.GuildID,
		UserID:    m.Author.ID,
		Text:      m.ContentWithMentionsReplaced(),
		CreatedAt: m.Timestamp.UTC(),
		ThreadID:  threadID,
		Mentions:  orderedMentions(m.Content, m.Mentions),
	}
	if m.MessageReference != nil && m.Type == discordgo.MessageTypeReply {
		msg.ReplyID = m.MessageReference.MessageID
	}
	for _, u := range m.Mentions {
		if u.ID == c.BotID() {
			msg.IsMentioned = true
			break
		}
	}

	slog.Debug("discord message received",
		"channel_id", channelID, "thread_id", threadID, "user_id", m.Author.ID, "mentioned", msg.IsMentioned)
	c.HandleMessage(msg)
}

// handleReaction forwards added reactions.
func (c *Channel) handleReaction(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || r.UserID == c.BotID() {
		return
	}
	c.locations.Add(r.MessageID, r.ChannelID)

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	channelID, _ := c.placement(ctx, r.ChannelID)

	c.HandleReaction(bus.InboundReaction{
		ChannelID: channelID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Reaction:  r.Emoji.Name,
	})
}

// handleInteraction turns slash commands into command events. The
// interaction is acknowledged with a visible echo of the command, and that
// echo message becomes the event the conversation hangs off.
func (c *Channel) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil || !c.IsAllowed(user.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	data := i.ApplicationCommandData()
	var args []string
	for _, opt := range data.Options {
		if opt.Name == "question" {
			args = strings.Fields(opt.StringValue())
		}
	}

	echo := fmt.Sprintf("<@%s> /%s %s", user.ID, data.Name, strings.Join(args, " "))
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         strings.TrimSpace(echo),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		slog.Warn("failed to acknowledge discord command", "command", data.Name, "error", err)
		return
	}
	reply, err := s.InteractionResponse(i.Interaction, discordgo.WithContext(ctx))
	if err != nil {
		slog.Warn("failed to fetch discord command echo", "command", data.Name, "error", err)
		return
	}
	c.locations.Add(reply.ID, reply.ChannelID)

	channelID, threadID := c.placement(ctx, i.ChannelID)
	c.HandleCommand(bus.InboundCommand{
		Name:      data.Name,
		Args:      args,
		ChannelID: channelID,
		SpaceID:   i.GuildID,
		UserID:    user.ID,
		EventID:   reply.ID,
		CreatedAt: reply.Timestamp.UTC(),
		ThreadID:  threadID,
	})
}

// orderedMentions lists mentioned users in the order they appear in content.
func orderedMentions(content string, users []*discordgo.User) []store.Mention {
	type positioned struct {
		pos int
		m   store.Mention
	}
	var found []positioned
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if u == nil || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		pos := strings.Index(content, "<@"+u.ID+">")
		if alt := strings.Index(content, "<@!"+u.ID+">"); alt >= 0 && (pos < 0 || alt < pos) {
			pos = alt
		}
		if pos < 0 {
			pos = len(content)
		}
		found = append(found, positioned{pos: pos, m: store.Mention{UserID: u.ID, DisplayName: displayName(u)}})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	mentions := make([]store.Mention, len(found))
	for i, f := range found {
		mentions[i] = f.m
	}
	return mentions
}

// displayName prefers the global display name over the username.
func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
