package telegram

import (
	"testing"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
)

type recorder struct{ events []bus.Inbound }

func (r *recorder) PublishInbound(ev bus.Inbound) { r.events = append(r.events, ev) }

func newTestChannel(pub bus.Publisher) *Channel {
	threads, _ := lru.New[string, string](16)
	reacted, _ := lru.New[string, struct{}](16)
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", pub, nil),
		threads:     threads,
		reacted:     reacted,
	}
}

func TestEventIDRoundTrip(t *testing.T) {
	id := eventID(-100123, 42)
	chat, msg, err := parseEventID(id)
	if err != nil {
		t.Fatalf("parseEventID(%q) error: %v", id, err)
	}
	if chat != -100123 || msg != 42 {
		t.Errorf("parseEventID(%q) = %d, %d, want -100123, 42", id, chat, msg)
	}

	for _, bad := range []string{"", "123", "abc:1", "1:abc"} {
		if _, _, err := parseEventID(bad); err == nil {
			t.Errorf("parseEventID(%q) succeeded, want error", bad)
		}
	}
}

func TestEntityMentions(t *testing.T) {
	// The leading emoji is two UTF-16 units, so offsets shift past it.
	text := "😀 @beaver_bot ask @alice and Bob"
	entities := []telego.MessageEntity{
		{Type: "mention", Offset: 3, Length: 11},
		{Type: "mention", Offset: 19, Length: 6},
		{Type: "text_mention", Offset: 30, Length: 3, User: &telego.User{ID: 7, FirstName: "Bob"}},
		{Type: "bold", Offset: 0, Length: 2},
		{Type: "mention", Offset: 19, Length: 6},
	}

	mentions, mentioned := entityMentions(text, entities, "99", "beaver_bot")
	if !mentioned {
		t.Error("entityMentions: bot mention not detected")
	}
	if len(mentions) != 2 {
		t.Fatalf("entityMentions returned %d mentions, want 2: %+v", len(mentions), mentions)
	}
	if mentions[0].UserID != "alice" || mentions[0].DisplayName != "@alice" {
		t.Errorf("mentions[0] = %+v, want alice", mentions[0])
	}
	if mentions[1].UserID != "7" || mentions[1].DisplayName != "Bob" {
		t.Errorf("mentions[1] = %+v, want Bob (7)", mentions[1])
	}
}

func TestEntityMentionsOutOfRange(t *testing.T) {
	entities := []telego.MessageEntity{{Type: "mention", Offset: 5, Length: 20}}
	mentions, mentioned := entityMentions("hi @x", entities, "1", "bot")
	if mentioned || len(mentions) != 0 {
		t.Errorf("entityMentions = %+v, %v, want none", mentions, mentioned)
	}
}

func TestEmojiOf(t *testing.T) {
	if got := emojiOf(&telego.ReactionTypeEmoji{Type: "emoji", Emoji: "✅"}); got != "✅" {
		t.Errorf("emojiOf(emoji) = %q, want ✅", got)
	}
	if got := emojiOf(&telego.ReactionTypeCustomEmoji{Type: "custom_emoji", CustomEmojiID: "1"}); got != "" {
		t.Errorf("emojiOf(custom) = %q, want empty", got)
	}
}

func TestDefaultMenuCommands(t *testing.T) {
	cmds := DefaultMenuCommands()
	if len(cmds) != 2 || cmds[0].Command != "ask" || cmds[1].Command != "help" {
		t.Errorf("DefaultMenuCommands() = %+v, want ask and help", cmds)
	}
}

func TestHandleMessageThreads(t *testing.T) {
	group := telego.Chat{ID: -100, Type: "supergroup"}
	alice := &telego.User{ID: 1, FirstName: "Alice"}
	bob := &telego.User{ID: 2, FirstName: "Bob"}
	root := &telego.Message{MessageID: 1, Chat: group, From: alice, Text: "hello", Date: 1700000000}
	reply := &telego.Message{MessageID: 2, Chat: group, From: bob, Text: "hey", Date: 1700000001, ReplyToMessage: root}
	topicRoot := &telego.Message{
		MessageID: 10, Chat: group, From: alice, Date: 1700000002,
		IsTopicMessage: true, MessageThreadID: 10,
		ForumTopicCreated: &telego.ForumTopicCreated{Name: "Deploys"},
	}
	inTopic := &telego.Message{
		MessageID: 11, Chat: group, From: bob, Text: "status?", Date: 1700000003,
		IsTopicMessage: true, MessageThreadID: 10, ReplyToMessage: topicRoot,
	}

	tests := []struct {
		name       string
		msg        *telego.Message
		wantText   string
		wantThread string
		wantReply  string
	}{
		{"plain", root, "hello", "", ""},
		{"reply to a message never seen", reply, "hey", "-100:1", "-100:1"},
		{"forum topic created", topicRoot, "Deploys", "", ""},
		{"message in topic", inTopic, "status?", "-100:10", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := newTestChannel(rec)
			c.handleMessage(t.Context(), tt.msg, "beaver_bot")

			if len(rec.events) != 1 || rec.events[0].Message == nil {
				t.Fatalf("handleMessage published %+v, want one message event", rec.events)
			}
			got := rec.events[0].Message
			if got.Text != tt.wantText || got.ThreadID != tt.wantThread || got.ReplyID != tt.wantReply {
				t.Errorf("handleMessage(%d) = text %q thread %q reply %q, want %q, %q, %q",
					tt.msg.MessageID, got.Text, got.ThreadID, got.ReplyID, tt.wantText, tt.wantThread, tt.wantReply)
			}
		})
	}
}

func TestReplyToReplyKeepsRoot(t *testing.T) {
	rec := &recorder{}
	c := newTestChannel(rec)
	group := telego.Chat{ID: -100, Type: "supergroup"}
	user := &telego.User{ID: 1}

	first := &telego.Message{MessageID: 1, Chat: group, From: user, Text: "a"}
	second := &telego.Message{MessageID: 2, Chat: group, From: user, Text: "b", ReplyToMessage: first}
	third := &telego.Message{MessageID: 3, Chat: group, From: user, Text: "c", ReplyToMessage: second}
	for _, m := range []*telego.Message{first, second, third} {
		c.handleMessage(t.Context(), m, "beaver_bot")
	}
	if got := rec.events[2].Message.ThreadID; got != "-100:1" {
		t.Errorf("ThreadID of reply to reply = %q, want -100:1", got)
	}
}
