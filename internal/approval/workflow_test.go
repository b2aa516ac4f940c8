package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/internal/store/sqlite"
)

type sentMessage struct {
	id, channelID, text string
	opts                channels.SendOptions
}

type fakeOutbox struct {
	mu        sync.Mutex
	next      int
	sent      []sentMessage
	reactions []string
	removed   []string
}

func (f *fakeOutbox) BotID() string { return "bot" }

func (f *fakeOutbox) SendMessage(_ context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("out-%d", f.next)
	f.sent = append(f.sent, sentMessage{id: id, channelID: channelID, text: text, opts: opts})
	return id, nil
}

func (f *fakeOutbox) SendReaction(_ context.Context, _, eventID, glyph string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, eventID+" "+glyph)
	return nil
}

func (f *fakeOutbox) RemoveEvent(_ context.Context, _, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, eventID)
	return nil
}

func (f *fakeOutbox) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].text
}

type fixture struct {
	wf       *Workflow
	out      *fakeOutbox
	stores   *store.Stores
	tc       *store.PendingToolcall
	executed atomic.Int32
	execErr  error
}

// newFixture stores E5 from user A in C1/T1 and drafts "send ping to C2".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.NewStores(store.StoreConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	for _, m := range []*store.Message{
		{EventID: "T1", ThreadID: "T1", ChannelID: "C1", UserID: "A", Message: "root", IsThreadStarter: true, CreatedAt: now},
		{EventID: "E5", ThreadID: "T1", ChannelID: "C1", UserID: "A", Message: "tell C2 ping", CreatedAt: now.Add(time.Second)},
	} {
		if err := s.Messages.Save(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	f := &fixture{out: &fakeOutbox{}, stores: s}
	f.wf = New(s.Messages, s.Toolcalls, DefaultGlyphs())
	f.wf.Register("send_message_to_channel", ExecutorFunc(func(ctx context.Context, out Outbox, call *store.PendingToolcall) (string, error) {
		f.executed.Add(1)
		if f.execErr != nil {
			return "", f.execErr
		}
		var args struct{ ChannelID, Message string }
		if err := json.Unmarshal(call.ToolArgs, &args); err != nil {
			return "", err
		}
		if _, err := out.SendMessage(ctx, args.ChannelID, args.Message, channels.SendOptions{}); err != nil {
			return "", err
		}
		return "Sent to " + args.ChannelID + ".", nil
	}))

	origin, err := s.Messages.Get(ctx, "E5")
	if err != nil {
		t.Fatal(err)
	}
	f.tc, err = f.wf.Draft(ctx, f.out, DraftRequest{
		Origin:      origin,
		ToolName:    "send_message_to_channel",
		Args:        json.RawMessage(`{"channelId":"C2","message":"ping"}`),
		Description: `send "ping" to channel C2`,
	})
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	return f
}

func (f *fixture) react(t *testing.T, user, glyph string) Outcome {
	t.Helper()
	outcome, err := f.wf.HandleReaction(context.Background(), f.out, bus.InboundReaction{
		MessageID: f.tc.DraftEventID, UserID: user, Reaction: glyph,
	})
	if err != nil {
		t.Fatalf("HandleReaction(%s, %s): %v", user, glyph, err)
	}
	return outcome
}

func (f *fixture) status(t *testing.T) store.ToolcallStatus {
	t.Helper()
	tc, err := f.stores.Toolcalls.GetToolcall(context.Background(), f.tc.ID)
	if err != nil {
		t.Fatal(err)
	}
	return tc.Status
}

func TestDraft(t *testing.T) {
	f := newFixture(t)

	if len(f.out.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 draft", len(f.out.sent))
	}
	draft := f.out.sent[0]
	if draft.channelID != "C1" || draft.opts.ThreadID != "T1" {
		t.Errorf("draft posted to %s/%s, want C1/T1", draft.channelID, draft.opts.ThreadID)
	}
	if !strings.Contains(draft.text, `send "ping" to channel C2`) || !strings.Contains(draft.text, "✅") {
		t.Errorf("draft text = %q", draft.text)
	}
	wantReactions := []string{draft.id + " ✅", draft.id + " ❌"}
	if strings.Join(f.out.reactions, ",") != strings.Join(wantReactions, ",") {
		t.Errorf("reactions = %v, want %v", f.out.reactions, wantReactions)
	}

	stored, err := f.stores.Messages.Get(context.Background(), draft.id)
	if err != nil {
		t.Fatalf("draft not stored: %v", err)
	}
	if stored.UserID != "bot" || stored.ThreadID != "T1" || stored.IsThreadStarter {
		t.Errorf("stored draft = %+v", stored)
	}
	if f.tc.OriginalEventID != "E5" || f.tc.DraftEventID != draft.id || f.status(t) != store.ToolcallPending {
		t.Errorf("toolcall = %+v", f.tc)
	}
}

func TestApproveExecutesOnce(t *testing.T) {
	f := newFixture(t)

	if got := f.react(t, "A", "✅"); got != OutcomeExecuted {
		t.Fatalf("first approve = %s, want %s", got, OutcomeExecuted)
	}
	if f.status(t) != store.ToolcallApproved {
		t.Errorf("status = %s, want approved", f.status(t))
	}
	if got := f.react(t, "A", "✅"); got != OutcomeAlreadyDecided {
		t.Errorf("second approve = %s, want %s", got, OutcomeAlreadyDecided)
	}
	if got := f.react(t, "A", "❌"); got != OutcomeAlreadyDecided {
		t.Errorf("reject after approve = %s, want %s", got, OutcomeAlreadyDecided)
	}
	if n := f.executed.Load(); n != 1 {
		t.Errorf("executed %d times, want 1", n)
	}

	// draft, "ping" to C2, confirmation in T1
	if len(f.out.sent) != 3 {
		t.Fatalf("sent = %+v", f.out.sent)
	}
	if ping := f.out.sent[1]; ping.channelID != "C2" || ping.text != "ping" {
		t.Errorf("action message = %+v", ping)
	}
	if confirm := f.out.sent[2]; confirm.channelID != "C1" || confirm.opts.ThreadID != "T1" || confirm.text != "Sent to C2." {
		t.Errorf("confirmation = %+v", confirm)
	}
}

func TestConcurrentApprovalsExecuteOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.wf.HandleReaction(context.Background(), f.out, bus.InboundReaction{
				MessageID: f.tc.DraftEventID, UserID: "A", Reaction: "✅",
			}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := f.executed.Load(); n != 1 {
		t.Errorf("executed %d times, want 1", n)
	}
}

func TestReactionFromOtherUserIsIgnored(t *testing.T) {
	f := newFixture(t)
	before := len(f.out.sent)

	if got := f.react(t, "B", "✅"); got != OutcomeUnauthorized {
		t.Errorf("outcome = %s, want %s", got, OutcomeUnauthorized)
	}
	if f.status(t) != store.ToolcallPending {
		t.Errorf("status = %s, want pending", f.status(t))
	}
	if f.executed.Load() != 0 {
		t.Error("action executed for non-author")
	}
	if len(f.out.sent) != before {
		t.Error("non-author was told about the pending action")
	}
}

func TestRejectCancels(t *testing.T) {
	f := newFixture(t)
	if got := f.react(t, "A", "❌"); got != OutcomeRejected {
		t.Fatalf("outcome = %s, want %s", got, OutcomeRejected)
	}
	if f.status(t) != store.ToolcallRejected {
		t.Errorf("status = %s, want rejected", f.status(t))
	}
	if f.executed.Load() != 0 {
		t.Error("rejected action executed")
	}
	if !strings.HasPrefix(f.out.lastText(), "Cancelled") {
		t.Errorf("notice = %q, want cancellation", f.out.lastText())
	}
	if got := f.react(t, "A", "✅"); got != OutcomeAlreadyDecided {
		t.Errorf("approve after reject = %s, want %s", got, OutcomeAlreadyDecided)
	}
}

func TestIgnoredReactions(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name     string
		reaction bus.InboundReaction
	}{
		{"other glyph", bus.InboundReaction{MessageID: f.tc.DraftEventID, UserID: "A", Reaction: "👍"}},
		{"not a draft", bus.InboundReaction{MessageID: "E5", UserID: "A", Reaction: "✅"}},
		{"bot's own affordance", bus.InboundReaction{MessageID: f.tc.DraftEventID, UserID: "bot", Reaction: "✅"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.wf.HandleReaction(context.Background(), f.out, tt.reaction)
			if err != nil || got != OutcomeIgnored {
				t.Errorf("HandleReaction() = %s, %v; want %s", got, err, OutcomeIgnored)
			}
		})
	}
	if f.status(t) != store.ToolcallPending {
		t.Errorf("status = %s, want pending", f.status(t))
	}
}

func TestExecutionFailureKeepsApproved(t *testing.T) {
	f := newFixture(t)
	f.execErr = errors.New("unknown channel C2")

	if got := f.react(t, "A", "✅"); got != OutcomeExecutionFailed {
		t.Fatalf("outcome = %s, want %s", got, OutcomeExecutionFailed)
	}
	if f.status(t) != store.ToolcallApproved {
		t.Errorf("status = %s, want approved", f.status(t))
	}
	if !strings.Contains(f.out.lastText(), "unknown channel C2") {
		t.Errorf("notice = %q, want failure reason", f.out.lastText())
	}
	if got := f.react(t, "A", "✅"); got != OutcomeAlreadyDecided {
		t.Errorf("retry approve = %s, want %s", got, OutcomeAlreadyDecided)
	}
	if n := f.executed.Load(); n != 1 {
		t.Errorf("executed %d times, want 1", n)
	}
}

func TestDraftRemovedWhenRecordFails(t *testing.T) {
	s, err := sqlite.NewStores(store.StoreConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	wf := New(s.Messages, s.Toolcalls, Glyphs{})
	out := &fakeOutbox{}

	// The origin was never stored, so the pending record's reference fails.
	_, err = wf.Draft(context.Background(), out, DraftRequest{
		Origin:   &store.Message{EventID: "ghost", ThreadID: "ghost", ChannelID: "C1", UserID: "A"},
		ToolName: "send_message_to_channel",
		Args:     json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("Draft() succeeded, want error")
	}
	if len(out.removed) != 1 || out.removed[0] != out.sent[0].id {
		t.Errorf("removed = %v, want the draft %s", out.removed, out.sent[0].id)
	}
	if len(out.reactions) != 0 {
		t.Errorf("reactions added to failed draft: %v", out.reactions)
	}
}

func TestGlyphsParse(t *testing.T) {
	g := DefaultGlyphs()
	tests := []struct {
		in     string
		want   Decision
		wantOK bool
	}{
		{"✅", Approve, true},
		{"white_check_mark", Approve, true},
		{"✔️", Approve, true},
		{"❌", Reject, true},
		{"x", Reject, true},
		{"👍", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := g.Parse(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Parse(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
	custom := Glyphs{Approve: "👍", Reject: "👎"}
	if d, ok := custom.Parse("👎"); !ok || d != Reject {
		t.Errorf("custom Parse(👎) = %v, %v", d, ok)
	}
	for _, in := range []string{"x", "✅", "white_check_mark", "❌"} {
		if d, ok := custom.Parse(in); ok {
			t.Errorf("custom Parse(%q) = %v, true; want no decision", in, d)
		}
	}
}

// gatedOutbox holds SendMessage until release is closed.
type gatedOutbox struct {
	fakeOutbox
	sending chan struct{}
	release chan struct{}
}

func (g *gatedOutbox) SendMessage(ctx context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	id, err := g.fakeOutbox.SendMessage(ctx, channelID, text, opts)
	if id == "out-1" {
		close(g.sending)
		<-g.release
	}
	return id, err
}

func TestReactionDuringDraftWaitsForRecord(t *testing.T) {
	s, err := sqlite.NewStores(store.StoreConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	origin := &store.Message{EventID: "E5", ThreadID: "E5", ChannelID: "C1", UserID: "A", Message: "go", IsThreadStarter: true, CreatedAt: time.Now()}
	if err := s.Messages.Save(ctx, origin); err != nil {
		t.Fatal(err)
	}

	wf := New(s.Messages, s.Toolcalls, DefaultGlyphs())
	var executed atomic.Int32
	wf.Register("noop", ExecutorFunc(func(context.Context, Outbox, *store.PendingToolcall) (string, error) {
		executed.Add(1)
		return "done", nil
	}))

	out := &gatedOutbox{sending: make(chan struct{}), release: make(chan struct{})}
	drafted := make(chan error, 1)
	go func() {
		_, err := wf.Draft(ctx, out, DraftRequest{Origin: origin, ToolName: "noop", Args: json.RawMessage(`{}`), Description: "do nothing"})
		drafted <- err
	}()
	<-out.sending

	reacted := make(chan Outcome, 1)
	go func() {
		outcome, err := wf.HandleReaction(ctx, out, bus.InboundReaction{MessageID: "out-1", UserID: "A", Reaction: "✅"})
		if err != nil {
			t.Errorf("HandleReaction: %v", err)
		}
		reacted <- outcome
	}()
	time.Sleep(20 * time.Millisecond)
	close(out.release)

	if err := <-drafted; err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if got := <-reacted; got != OutcomeExecuted {
		t.Errorf("HandleReaction() = %s, want %s", got, OutcomeExecuted)
	}
	if got := executed.Load(); got != 1 {
		t.Errorf("executed = %d, want 1", got)
	}
}
