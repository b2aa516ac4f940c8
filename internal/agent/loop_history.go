package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/beaver/internal/convo"
	"github.com/nextlevelbuilder/beaver/internal/providers"
)

// DefaultPersona is the system prompt used when none is configured.
const DefaultPersona = `You are Beaver, a helpful assistant taking part in a team chat.
Users talk to you inside threads. Each user message is prefixed with the author's ID in square brackets.
Answer the latest message in the thread. Be concise and use plain chat formatting.
When a user shares a link, read it with read_url before answering; use digest_content for long material.
Sending a message to another channel needs the requesting user's approval: call send_message_to_channel and tell the user it is waiting for their reaction. Never claim it was sent.`

// threadOpenedByBot stands in for a user turn when the thread starts with a
// bot message, since providers expect the conversation to open with the user.
const threadOpenedByBot = "[thread started by your message below]"

// buildMessages turns a thread transcript into provider messages.
// Consecutive turns of the same role are merged.
func (l *Loop) buildMessages(t *convo.Transcript, extraSystemPrompt string) []providers.Message {
	system := l.buildSystemPrompt(t, extraSystemPrompt)
	messages := []providers.Message{{Role: "system", Content: system}}

	for _, turn := range t.Turns {
		role, content := "user", fmt.Sprintf("[%s] %s", turn.UserID, turn.Text)
		if turn.Role == convo.RoleAssistant {
			role, content = "assistant", turn.Text
		}

		last := &messages[len(messages)-1]
		switch {
		case last.Role == role:
			last.Content += "\n\n" + content
		case last.Role == "system" && role == "assistant":
			messages = append(messages,
				providers.Message{Role: "user", Content: threadOpenedByBot},
				providers.Message{Role: role, Content: content})
		default:
			messages = append(messages, providers.Message{Role: role, Content: content})
		}
	}
	return messages
}

func (l *Loop) buildSystemPrompt(t *convo.Transcript, extra string) string {
	var sb strings.Builder
	sb.WriteString(l.persona)
	if t.AskThread {
		sb.WriteString("\n\nThis thread was opened with an explicit question; answer every message in it.")
	}
	if names := l.tools.List(); len(names) > 0 {
		sb.WriteString("\n\nAvailable tools: ")
		sb.WriteString(strings.Join(names, ", "))
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		sb.WriteString("\n\nRecent activity in this channel, for background only:\n")
		sb.WriteString(extra)
	}
	return sb.String()
}
