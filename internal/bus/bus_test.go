package bus

import (
	"context"
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Minute, 2)

	if d.IsDuplicate("a") {
		t.Fatal("first a reported duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Fatal("second a not reported duplicate")
	}

	d.IsDuplicate("b")
	d.IsDuplicate("c") // evicts a, the least recently seen
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
	if d.IsDuplicate("a") {
		t.Error("evicted a reported duplicate")
	}
}

func TestDedupeCacheForget(t *testing.T) {
	d := NewDedupeCache(time.Minute, 10)
	d.IsDuplicate("a")
	d.Forget("a")
	if d.IsDuplicate("a") {
		t.Error("forgotten a reported duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Error("a seen again after Forget not reported duplicate")
	}
	d.Forget("never-seen")
}

func TestDedupeCacheExpiry(t *testing.T) {
	d := NewDedupeCache(20*time.Millisecond, 10)
	d.IsDuplicate("a")
	time.Sleep(80 * time.Millisecond)
	if d.IsDuplicate("a") {
		t.Error("expired a reported duplicate")
	}
}

func TestInboundKey(t *testing.T) {
	tests := []struct {
		ev   Inbound
		want string
	}{
		{Inbound{Message: &InboundMessage{Channel: "discord", EventID: "E1"}}, "msg:discord:E1"},
		{Inbound{Command: &InboundCommand{Channel: "discord", EventID: "E2"}}, "cmd:discord:E2"},
		{Inbound{Reaction: &InboundReaction{Channel: "tg", MessageID: "E3", UserID: "u", Reaction: "✅"}}, "react:tg:E3:u:✅"},
		{Inbound{}, ""},
	}
	for _, tt := range tests {
		if got := tt.ev.Key(); got != tt.want {
			t.Errorf("Key(%s) = %q, want %q", tt.ev.Kind(), got, tt.want)
		}
	}
}

func TestMessageBus(t *testing.T) {
	b := New(1)
	b.PublishInbound(Inbound{Message: &InboundMessage{Channel: "x", EventID: "E1"}})

	ctx, cancel := context.WithCancel(context.Background())
	ev, ok := b.ConsumeInbound(ctx)
	if !ok || ev.Message.EventID != "E1" {
		t.Fatalf("ConsumeInbound() = %+v, %v", ev, ok)
	}
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound after cancel returned ok")
	}
}
