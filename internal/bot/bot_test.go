package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/agent"
	"github.com/nextlevelbuilder/beaver/internal/approval"
	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/convo"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/internal/store/sqlite"
	"github.com/nextlevelbuilder/beaver/internal/threads"
)

type sent struct {
	channelID string
	text      string
	opts      channels.SendOptions
}

// fakeTransport records outbound traffic and assigns sequential event IDs.
type fakeTransport struct {
	mu        sync.Mutex
	n         int
	sent      []sent
	reactions []string
}

func (f *fakeTransport) Name() string                                      { return "fake" }
func (f *fakeTransport) BotID() string                                     { return "bot" }
func (f *fakeTransport) Start(context.Context) error                       { return nil }
func (f *fakeTransport) Stop(context.Context) error                        { return nil }
func (f *fakeTransport) IsRunning() bool                                   { return true }
func (f *fakeTransport) RemoveEvent(context.Context, string, string) error { return nil }

func (f *fakeTransport) SendMessage(_ context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.sent = append(f.sent, sent{channelID: channelID, text: text, opts: opts})
	return fmt.Sprintf("out-%d", f.n), nil
}

func (f *fakeTransport) SendReaction(_ context.Context, _, eventID, glyph string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, eventID+":"+glyph)
	return nil
}

func (f *fakeTransport) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type transports map[string]channels.Channel

func (t transports) Get(name string) (channels.Channel, bool) {
	ch, ok := t[name]
	return ch, ok
}

// fakeResponder answers with a fixed reply, or fails when err is set.
type fakeResponder struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []agent.RunRequest
	hook  func(ctx context.Context, req agent.RunRequest)
}

func (r *fakeResponder) Run(ctx context.Context, req agent.RunRequest) *agent.RunResult {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ctx, req)
	}
	if r.err != nil {
		return &agent.RunResult{RunID: "run", Err: r.err}
	}
	return &agent.RunResult{OK: true, RunID: "run", Content: r.reply, Iterations: 1}
}

func (r *fakeResponder) requests() []agent.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.RunRequest(nil), r.reqs...)
}

type fixture struct {
	bot       *Bot
	out       *fakeTransport
	responder *fakeResponder
	stores    *store.Stores
	workflow  *approval.Workflow
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := sqlite.NewStores(store.StoreConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("sqlite.NewStores: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	out := &fakeTransport{}
	responder := &fakeResponder{reply: "beaver says hi"}
	wf := approval.New(s.Messages, s.Toolcalls, approval.DefaultGlyphs())
	b := New(Deps{
		Messages:   s.Messages,
		Resolver:   threads.NewResolver(s.Messages, threads.Options{AskCacheSize: 100}),
		Assembler:  convo.NewAssembler(s.Messages, convo.Options{}),
		Workflow:   wf,
		Responder:  responder,
		Transports: transports{"fake": out},
	}, cfg)
	return &fixture{bot: b, out: out, responder: responder, stores: s, workflow: wf}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func message(id, user, text string, at int) *bus.InboundMessage {
	return &bus.InboundMessage{
		Channel:   "fake",
		EventID:   id,
		ChannelID: "C1",
		SpaceID:   "S1",
		UserID:    user,
		Text:      text,
		CreatedAt: base.Add(time.Duration(at) * time.Minute),
	}
}

func (f *fixture) dispatch(ev bus.Inbound) {
	f.bot.Dispatch(context.Background(), ev)
}

func (f *fixture) thread(t *testing.T, threadID string) []store.Message {
	t.Helper()
	msgs, err := f.stores.Messages.ThreadMessages(context.Background(), threadID)
	if err != nil {
		t.Fatalf("ThreadMessages(%s): %v", threadID, err)
	}
	return msgs
}

func TestStandaloneIsStoredWithoutReply(t *testing.T) {
	f := newFixture(t, Config{})
	f.dispatch(bus.Inbound{Message: message("E1", "A", "hello", 0)})

	if got := f.out.messages(); len(got) != 0 {
		t.Errorf("sent %+v, want nothing", got)
	}
	msgs := f.thread(t, "E1")
	if len(msgs) != 1 || !msgs[0].IsThreadStarter {
		t.Errorf("thread E1 = %+v, want one starter", msgs)
	}
}

func TestMentionOpensThreadAndReplies(t *testing.T) {
	f := newFixture(t, Config{})
	msg := message("E1", "A", "@beaver what is go?", 0)
	msg.IsMentioned = true
	f.dispatch(bus.Inbound{Message: msg})

	got := f.out.messages()
	if len(got) != 1 || got[0].text != "beaver says hi" || got[0].opts.ThreadID != "E1" {
		t.Fatalf("sent %+v, want reply in thread E1", got)
	}

	reqs := f.responder.requests()
	if len(reqs) != 1 {
		t.Fatalf("responder called %d times, want 1", len(reqs))
	}
	if reqs[0].Transcript == nil || reqs[0].Transcript.InitialPrompt != "@beaver what is go?" {
		t.Errorf("transcript = %+v", reqs[0].Transcript)
	}
	if reqs[0].Origin == nil || reqs[0].Origin.EventID != "E1" {
		t.Errorf("origin = %+v, want E1", reqs[0].Origin)
	}
	if !strings.Contains(reqs[0].ExtraSystemPrompt, "<conversation") {
		t.Errorf("ExtraSystemPrompt = %q, want channel fragment", reqs[0].ExtraSystemPrompt)
	}

	msgs := f.thread(t, "E1")
	if len(msgs) != 2 || msgs[1].UserID != "bot" || msgs[1].EventID != "out-1" {
		t.Errorf("thread E1 = %+v, want starter and bot reply", msgs)
	}
}

func TestContinuationNeedsMentionOrAskThread(t *testing.T) {
	f := newFixture(t, Config{})
	f.dispatch(bus.Inbound{Message: message("E1", "A", "hello", 0)})

	reply := message("E2", "B", "nice", 1)
	reply.ThreadID = "E1"
	f.dispatch(bus.Inbound{Message: reply})
	if got := f.out.messages(); len(got) != 0 {
		t.Fatalf("sent %+v for unmentioned continuation, want nothing", got)
	}

	mention := message("E3", "B", "@beaver thoughts?", 2)
	mention.ThreadID = "E1"
	mention.IsMentioned = true
	f.dispatch(bus.Inbound{Message: mention})
	if got := f.out.messages(); len(got) != 1 || got[0].opts.ThreadID != "E1" {
		t.Fatalf("sent %+v, want one reply in E1", got)
	}
	if n := len(f.thread(t, "E1")); n != 4 {
		t.Errorf("thread E1 has %d messages, want 4", n)
	}
}

func TestAskThreadAnswersEveryMessage(t *testing.T) {
	f := newFixture(t, Config{})
	f.dispatch(bus.Inbound{Command: &bus.InboundCommand{
		Channel: "fake", Name: "ask", Args: []string{"what", "is", "go?"},
		ChannelID: "C1", UserID: "A", EventID: "E1", CreatedAt: base,
	}})

	follow := message("E2", "A", "and rust?", 1)
	follow.ThreadID = "E1"
	f.dispatch(bus.Inbound{Message: follow})

	got := f.out.messages()
	if len(got) != 2 {
		t.Fatalf("sent %d messages, want 2 replies", len(got))
	}
	starter, err := f.stores.Messages.ThreadStarter(context.Background(), "E1")
	if err != nil || starter == nil || !starter.IsAskThread || starter.Message != "what is go?" {
		t.Errorf("ThreadStarter(E1) = %+v, %v, want ask-thread starter", starter, err)
	}
	for _, req := range f.responder.requests() {
		if req.ExtraSystemPrompt != "" {
			t.Errorf("ask reply got channel context %q, want none", req.ExtraSystemPrompt)
		}
	}
}

func TestCompletionFailureApologizesWithoutPersisting(t *testing.T) {
	f := newFixture(t, Config{})
	f.responder.err = errors.New("provider down")

	msg := message("E1", "A", "@beaver hi", 0)
	msg.IsMentioned = true
	f.dispatch(bus.Inbound{Message: msg})

	got := f.out.messages()
	if len(got) != 1 || got[0].text != apologyText {
		t.Fatalf("sent %+v, want apology", got)
	}
	if n := len(f.thread(t, "E1")); n != 1 {
		t.Errorf("thread E1 has %d messages, want only the starter", n)
	}
}

func TestRateLimitSendsSlowDown(t *testing.T) {
	f := newFixture(t, Config{RateLimitPerMinute: 1})
	for i, id := range []string{"E1", "E2"} {
		msg := message(id, "A", "@beaver hi", i)
		msg.IsMentioned = true
		f.dispatch(bus.Inbound{Message: msg})
	}

	got := f.out.messages()
	if len(got) != 2 || got[1].text != slowDownText {
		t.Fatalf("sent %+v, want reply then slow-down notice", got)
	}
	if n := len(f.responder.requests()); n != 1 {
		t.Errorf("responder called %d times, want 1", n)
	}
}

func TestRedeliveryIsHandledOnce(t *testing.T) {
	f := newFixture(t, Config{})
	msg := message("E1", "A", "@beaver hi", 0)
	msg.IsMentioned = true
	f.dispatch(bus.Inbound{Message: msg})
	f.dispatch(bus.Inbound{Message: msg})

	if got := f.out.messages(); len(got) != 1 {
		t.Errorf("sent %d messages, want 1", len(got))
	}
}

func TestFailedEventIsRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t, Config{})
	msg := message("E1", "A", "@beaver hi", 0)
	msg.Channel = "late"
	msg.IsMentioned = true

	f.dispatch(bus.Inbound{Message: msg})
	if got := f.out.messages(); len(got) != 0 {
		t.Fatalf("sent %+v before the transport exists, want nothing", got)
	}

	f.bot.transports.(transports)["late"] = f.out
	f.dispatch(bus.Inbound{Message: msg})
	if got := f.out.messages(); len(got) != 1 {
		t.Errorf("sent %d messages after redelivery, want 1", len(got))
	}
	if got := f.thread(t, "E1"); len(got) != 2 {
		t.Errorf("thread E1 has %d messages, want the question and the reply", len(got))
	}
}

func TestBotMessagesAndUnknownTransportsAreIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	own := message("E1", "bot", "@beaver echo", 0)
	own.IsMentioned = true
	f.dispatch(bus.Inbound{Message: own})

	stray := message("E2", "A", "@beaver hi", 1)
	stray.Channel = "nowhere"
	stray.IsMentioned = true
	f.dispatch(bus.Inbound{Message: stray})

	if got := f.out.messages(); len(got) != 0 {
		t.Errorf("sent %+v, want nothing", got)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name string
		cmd  bus.InboundCommand
		want string
	}{
		{"help", bus.InboundCommand{Name: "help"}, "/ask <question>"},
		{"empty ask", bus.InboundCommand{Name: "ask"}, askUsageText},
		{"unknown", bus.InboundCommand{Name: "dance"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			cmd := tt.cmd
			cmd.Channel, cmd.ChannelID, cmd.UserID, cmd.EventID, cmd.CreatedAt = "fake", "C1", "A", "E9", base
			f.dispatch(bus.Inbound{Command: &cmd})

			got := f.out.messages()
			if tt.want == "" {
				if len(got) != 0 {
					t.Errorf("sent %+v, want nothing", got)
				}
				return
			}
			if len(got) != 1 || !strings.Contains(got[0].text, tt.want) {
				t.Errorf("sent %+v, want text containing %q", got, tt.want)
			}
			if n := len(f.responder.requests()); n != 0 {
				t.Errorf("responder called %d times, want 0", n)
			}
		})
	}
}

func TestReactionApprovesDraft(t *testing.T) {
	f := newFixture(t, Config{})

	var executed int
	f.workflow.Register("send_message_to_channel", approval.ExecutorFunc(
		func(ctx context.Context, out approval.Outbox, call *store.PendingToolcall) (string, error) {
			executed++
			return "Sent to C2.", nil
		}))

	// The agent drafts a guarded action while answering E1.
	f.responder.hook = func(ctx context.Context, req agent.RunRequest) {
		_, err := f.workflow.Draft(ctx, req.Outbox, approval.DraftRequest{
			Origin:      req.Origin,
			ToolName:    "send_message_to_channel",
			Args:        []byte(`{"channelId":"C2","message":"ping"}`),
			Description: `send "ping" to channel C2`,
		})
		if err != nil {
			t.Errorf("Draft: %v", err)
		}
	}
	msg := message("E1", "A", "@beaver tell C2 ping", 0)
	msg.IsMentioned = true
	f.dispatch(bus.Inbound{Message: msg})

	// out-1 is the draft, out-2 the reply.
	got := f.out.messages()
	if len(got) != 2 || !strings.Contains(got[0].text, "send \"ping\" to channel C2") {
		t.Fatalf("sent %+v, want draft then reply", got)
	}

	react := func(user string) {
		f.dispatch(bus.Inbound{Reaction: &bus.InboundReaction{
			Channel: "fake", ChannelID: "C1", MessageID: "out-1", UserID: user, Reaction: "✅",
		}})
	}
	react("B")
	if executed != 0 {
		t.Fatalf("non-author approval executed the action")
	}
	react("A")
	react("A") // redelivered reaction
	if executed != 1 {
		t.Errorf("executed %d times, want 1", executed)
	}

	tc, err := f.stores.Toolcalls.ToolcallByDraft(context.Background(), "out-1")
	if err != nil || tc == nil || tc.Status != store.ToolcallApproved {
		t.Errorf("ToolcallByDraft(out-1) = %+v, %v, want approved", tc, err)
	}
}

func TestRunWaitsForInflightEvents(t *testing.T) {
	f := newFixture(t, Config{})
	mb := bus.New(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.bot.Run(ctx, mb)
		close(done)
	}()

	msg := message("E1", "A", "@beaver hi", 0)
	msg.IsMentioned = true
	mb.PublishInbound(bus.Inbound{Message: msg})

	deadline := time.After(2 * time.Second)
	for len(f.out.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no reply within 2s")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
