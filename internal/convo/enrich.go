package convo

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/beaver/internal/store"
)

// replyPreviewLen caps the quoted reply target, in characters.
const replyPreviewLen = 100

// ChannelMessages returns the recent conversation of a channel: the newest
// starters and a window of each of their threads, de-duplicated by event ID
// (later copies win) and sorted by creation time.
func (a *Assembler) ChannelMessages(ctx context.Context, channelID string) ([]store.Message, error) {
	starters, err := a.messages.RecentStarters(ctx, channelID, a.opts.RecentThreads)
	if err != nil {
		return nil, fmt.Errorf("load recent starters of %s: %w", channelID, err)
	}
	if len(starters) == 0 {
		return nil, nil
	}

	threadIDs := make([]string, 0, len(starters))
	for _, s := range starters {
		threadIDs = append(threadIDs, s.ThreadID)
	}
	windows, err := a.messages.ThreadWindows(ctx, threadIDs, a.opts.ThreadMessages)
	if err != nil {
		return nil, fmt.Errorf("load thread windows of %s: %w", channelID, err)
	}

	return mergeMessages(starters, windows), nil
}

// mergeMessages flattens batches, keeps the last copy of each event ID and
// sorts the result by CreatedAt (event ID breaks ties).
func mergeMessages(batches ...[]store.Message) []store.Message {
	index := make(map[string]int)
	var out []store.Message
	for _, batch := range batches {
		for _, m := range batch {
			if i, ok := index[m.EventID]; ok {
				out[i] = m
				continue
			}
			index[m.EventID] = len(out)
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// ChannelContext renders ChannelMessages as a markup fragment.
func (a *Assembler) ChannelContext(ctx context.Context, channelID, botID string) (string, error) {
	msgs, err := a.ChannelMessages(ctx, channelID)
	if err != nil {
		return "", err
	}
	return RenderFragment(channelID, botID, msgs), nil
}

// RenderFragment renders msgs in order. Every interpolated value is escaped,
// so user text cannot open or close elements of the fragment.
func RenderFragment(channelID, botID string, msgs []store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<conversation channel=\"%s\">\n", esc(channelID))

	replies := make(map[string]string, len(msgs))
	for _, m := range msgs {
		replies[m.EventID] = m.Message

		role := RoleUser
		if botID != "" && m.UserID == botID {
			role = RoleAssistant
		}
		fmt.Fprintf(&b, "<message id=\"%s\" thread=\"%s\" author=\"%s\" role=\"%s\" time=\"%s\">\n",
			esc(m.EventID), esc(m.ThreadID), esc(m.UserID), role, m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))

		if m.ReplyID != "" {
			if target, ok := replies[m.ReplyID]; ok {
				fmt.Fprintf(&b, "<reply_to id=\"%s\">%s</reply_to>\n", esc(m.ReplyID), esc(truncate(target, replyPreviewLen)))
			}
		}
		if len(m.Mentions) > 0 {
			b.WriteString("<mentions>")
			for _, mention := range m.Mentions {
				name := mention.DisplayName
				if name == "" {
					name = mention.UserID
				}
				fmt.Fprintf(&b, "<user>%s</user>", esc(name))
			}
			b.WriteString("</mentions>\n")
		}
		fmt.Fprintf(&b, "<body>%s</body>\n</message>\n", esc(m.Message))
	}
	b.WriteString("</conversation>")
	return b.String()
}

// esc replaces & < > " and ' with character references.
func esc(s string) string {
	return html.EscapeString(s)
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
