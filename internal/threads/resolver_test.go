package threads

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/internal/store/sqlite"
)

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestResolver(t *testing.T) (*Resolver, store.MessageStore) {
	t.Helper()
	s, err := sqlite.NewStores(store.StoreConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("NewStores: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewResolver(s.Messages, Options{AskCacheSize: 16}), s.Messages
}

func inbound(id, thread, user, text string, at time.Duration) bus.InboundMessage {
	return bus.InboundMessage{
		Channel: "test", EventID: id, ThreadID: thread, ChannelID: "C1", UserID: user,
		Text: text, CreatedAt: t0.Add(at),
	}
}

func countStarters(t *testing.T, ms store.MessageStore, threadID string) int {
	t.Helper()
	msgs, err := ms.ThreadMessages(context.Background(), threadID)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, m := range msgs {
		if m.IsThreadStarter {
			n++
		}
	}
	return n
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		msg          bus.InboundMessage
		trigger      Trigger
		starterKnown bool
		want         Kind
	}{
		{"plain message", inbound("E1", "", "a", "hi", 0), TriggerNone, false, Standalone},
		{"self thread reference", inbound("E1", "E1", "a", "hi", 0), TriggerNone, true, Standalone},
		{"mention", inbound("E1", "", "a", "hi", 0), TriggerMention, false, NewThread},
		{"ask command", inbound("E1", "", "a", "hi", 0), TriggerAsk, false, NewThread},
		{"reply in known thread", inbound("E2", "E1", "b", "hi", 0), TriggerNone, true, Continuation},
		{"mention in known thread", inbound("E2", "E1", "b", "hi", 0), TriggerMention, true, Continuation},
		{"reply in unknown thread", inbound("E2", "E1", "b", "hi", 0), TriggerNone, false, ContinuationBackfill},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.msg, tt.trigger, tt.starterKnown); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveStandaloneThenReply(t *testing.T) {
	r, ms := newTestResolver(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, inbound("E1", "", "A", "hello", 0), TriggerNone)
	if err != nil {
		t.Fatalf("Resolve(E1): %v", err)
	}
	if res.Kind != Standalone || res.ThreadID != "E1" || !res.Message.IsThreadStarter {
		t.Fatalf("Resolve(E1) = %+v, want standalone starter of E1", res)
	}

	res, err = r.Resolve(ctx, inbound("E2", "E1", "B", "hey", time.Second), TriggerNone)
	if err != nil {
		t.Fatalf("Resolve(E2): %v", err)
	}
	if res.Kind != Continuation || res.ThreadID != "E1" || res.Message.IsThreadStarter {
		t.Fatalf("Resolve(E2) = %+v, want continuation of E1", res)
	}
	if n := countStarters(t, ms, "E1"); n != 1 {
		t.Errorf("starters in E1 = %d, want 1", n)
	}
}

func TestResolveFollowsReferenceToItsThread(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	steps := []struct {
		msg        bus.InboundMessage
		wantKind   Kind
		wantThread string
	}{
		{inbound("E1", "", "A", "hello", 0), Standalone, "E1"},
		{inbound("E2", "E1", "B", "reply", time.Second), Continuation, "E1"},
		// A reply to E2 references E2, which lives in E1.
		{inbound("E3", "E2", "A", "reply to reply", 2*time.Second), Continuation, "E1"},
		// An unknown reference is the thread itself.
		{inbound("E5", "E4", "A", "orphan", 3*time.Second), ContinuationBackfill, "E4"},
	}
	for _, st := range steps {
		res, err := r.Resolve(ctx, st.msg, TriggerNone)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", st.msg.EventID, err)
		}
		if res.Kind != st.wantKind || res.ThreadID != st.wantThread {
			t.Errorf("Resolve(%s) = %v in %q, want %v in %q", st.msg.EventID, res.Kind, res.ThreadID, st.wantKind, st.wantThread)
		}
	}
}

func TestResolveBackfillsUnflaggedRoot(t *testing.T) {
	r, ms := newTestResolver(t)
	ctx := context.Background()

	root := &store.Message{EventID: "R1", ThreadID: "R1", ChannelID: "C1", UserID: "A", Message: "root", CreatedAt: t0}
	if err := ms.Save(ctx, root); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(ctx, inbound("E2", "R1", "B", "reply", time.Second), TriggerNone)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != ContinuationBackfill {
		t.Errorf("Kind = %v, want %v", res.Kind, ContinuationBackfill)
	}
	starter, err := ms.ThreadStarter(ctx, "R1")
	if err != nil || starter == nil || starter.EventID != "R1" {
		t.Fatalf("ThreadStarter(R1) = %v, %v; want R1", starter, err)
	}

	// The next reply sees the starter and needs no backfill.
	res, err = r.Resolve(ctx, inbound("E3", "R1", "A", "again", 2*time.Second), TriggerNone)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != Continuation {
		t.Errorf("Kind = %v, want %v", res.Kind, Continuation)
	}
	if n := countStarters(t, ms, "R1"); n != 1 {
		t.Errorf("starters in R1 = %d, want 1", n)
	}
}

func TestResolveReplyBeforeRoot(t *testing.T) {
	r, ms := newTestResolver(t)
	ctx := context.Background()

	// The reply is delivered first; no root exists so nothing is promoted.
	if _, err := r.Resolve(ctx, inbound("E2", "E1", "B", "reply", time.Second), TriggerNone); err != nil {
		t.Fatal(err)
	}
	if n := countStarters(t, ms, "E1"); n != 0 {
		t.Fatalf("starters before root = %d, want 0", n)
	}
	if _, err := r.Resolve(ctx, inbound("E1", "", "A", "root", 0), TriggerNone); err != nil {
		t.Fatal(err)
	}
	if n := countStarters(t, ms, "E1"); n != 1 {
		t.Errorf("starters after root = %d, want 1", n)
	}
}

func TestConcurrentBackfillPromotesOnce(t *testing.T) {
	r, ms := newTestResolver(t)
	ctx := context.Background()
	if err := ms.Save(ctx, &store.Message{EventID: "R1", ThreadID: "R1", ChannelID: "C1", UserID: "A", Message: "root", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := inbound(fmt.Sprintf("E%d", i+2), "R1", "B", "reply", time.Duration(i+1)*time.Second)
			if _, err := r.Resolve(ctx, msg, TriggerNone); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	// A second resolver shares no in-process state, so only the
	// conditional write protects the thread.
	other := NewResolver(ms, Options{})
	for i := 0; i < 3; i++ {
		if err := other.Backfill(ctx, "R1"); err != nil {
			t.Fatal(err)
		}
	}
	if n := countStarters(t, ms, "R1"); n != 1 {
		t.Errorf("starters in R1 = %d, want 1", n)
	}
}

func TestResolveAskThread(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, inbound("Q1", "", "A", "what is go?", 0), TriggerAsk)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != NewThread || !res.Message.IsAskThread || !res.AskThread {
		t.Fatalf("Resolve(ask) = %+v, want ask thread", res)
	}

	res, err = r.Resolve(ctx, inbound("Q2", "Q1", "A", "and rust?", time.Second), TriggerNone)
	if err != nil {
		t.Fatal(err)
	}
	if !res.AskThread {
		t.Error("continuation of ask thread not flagged AskThread")
	}

	// A fresh resolver has an empty cache and falls back to the store.
	fresh := NewResolver(r.messages, Options{})
	ok, err := fresh.IsAskThread(ctx, "Q1")
	if err != nil || !ok {
		t.Errorf("IsAskThread(Q1) = %v, %v; want true", ok, err)
	}
	ok, err = fresh.IsAskThread(ctx, "nope")
	if err != nil || ok {
		t.Errorf("IsAskThread(nope) = %v, %v; want false", ok, err)
	}
}

func TestResolveRedelivery(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	msg := inbound("E1", "", "A", "hello", 0)
	msg.IsMentioned = true

	first, err := r.Resolve(ctx, msg, TriggerMention)
	if err != nil || first.Duplicate {
		t.Fatalf("first Resolve = %+v, %v", first, err)
	}
	second, err := r.Resolve(ctx, msg, TriggerMention)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if !second.Duplicate {
		t.Error("redelivered event not reported as duplicate")
	}
}

func TestAskCacheBounds(t *testing.T) {
	c := newAskCache(2, time.Minute)

	c.Add("a")
	c.Add("b")
	c.Contains("a") // a becomes most recent
	c.Add("c")      // evicts b
	if c.Contains("b") {
		t.Error("b survived eviction")
	}
	if !c.Contains("a") || !c.Contains("c") {
		t.Error("a or c evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestAskCacheExpiry(t *testing.T) {
	c := newAskCache(10, 20*time.Millisecond)
	c.Add("a")
	time.Sleep(80 * time.Millisecond)
	if c.Contains("a") {
		t.Error("expired a still cached")
	}
}
