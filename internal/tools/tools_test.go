package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/approval"
	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/providers"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/internal/store/sqlite"
)

type panicTool struct{}

func (panicTool) Name() string               { return "boom" }
func (panicTool) Description() string        { return "panics" }
func (panicTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (panicTool) Execute(context.Context, map[string]any) *Result {
	panic("boom")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewReadURLTool(ReadURLConfig{}))
	r.Register(panicTool{})

	defs := r.ProviderDefs()
	if len(defs) != 2 || defs[0].Function.Name != "boom" || defs[1].Function.Name != "read_url" {
		t.Fatalf("ProviderDefs() = %+v, want boom then read_url", defs)
	}

	if res := r.Execute(context.Background(), "nope", nil); !res.IsError {
		t.Errorf("Execute(nope).IsError = false, want true")
	}
	if res := r.Execute(context.Background(), "boom", nil); !res.IsError {
		t.Errorf("Execute(boom).IsError = false, want true")
	}
}

func TestReadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><head><style>p{}</style><script>alert(1)</script></head>
<body><nav>menu</nav><h1>Title</h1><p>Fish &amp; chips</p><ul><li>one</li></ul></body></html>`)
		case "/data":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"a":1}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tool := NewReadURLTool(ReadURLConfig{})
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]any{"url": srv.URL + "/page"})
	if res.IsError {
		t.Fatalf("Execute(page) error: %s", res.ForLLM)
	}
	for _, want := range []string{"Title", "Fish & chips", "- one"} {
		if !strings.Contains(res.ForLLM, want) {
			t.Errorf("Execute(page) missing %q in %q", want, res.ForLLM)
		}
	}
	for _, unwanted := range []string{"alert", "menu", "<p>"} {
		if strings.Contains(res.ForLLM, unwanted) {
			t.Errorf("Execute(page) contains %q", unwanted)
		}
	}

	res = tool.Execute(ctx, map[string]any{"url": srv.URL + "/data"})
	if res.IsError || !strings.Contains(res.ForLLM, `"a": 1`) {
		t.Errorf("Execute(data) = %q, want pretty JSON", res.ForLLM)
	}

	tests := []struct {
		name string
		url  string
	}{
		{"missing", ""},
		{"scheme", "ftp://example.com/x"},
		{"not found", srv.URL + "/missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := tool.Execute(ctx, map[string]any{"url": tt.url}); !res.IsError {
				t.Errorf("Execute(%q).IsError = false, want true", tt.url)
			}
		})
	}
}

func TestReadURLTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("x", 500))
	}))
	defer srv.Close()

	res := NewReadURLTool(ReadURLConfig{MaxChars: 100}).Execute(context.Background(), map[string]any{"url": srv.URL})
	if !strings.Contains(res.ForLLM, "Truncated: true") || strings.Contains(res.ForLLM, strings.Repeat("x", 101)) {
		t.Errorf("Execute() = %q, want truncated to 100 chars", res.ForLLM)
	}
}

type stubProvider struct {
	mu   sync.Mutex
	reqs []providers.ChatRequest
	resp *providers.ChatResponse
	err  error
}

func (p *stubProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return p.resp, p.err
}

func (p *stubProvider) DefaultModel() string { return "stub-1" }
func (p *stubProvider) Name() string         { return "stub" }

func TestDigest(t *testing.T) {
	p := &stubProvider{resp: &providers.ChatResponse{Content: "- short", Usage: &providers.Usage{TotalTokens: 7}}}
	tool := NewDigestTool(p, "")

	res := tool.Execute(context.Background(), map[string]any{"content": "long text", "focus": "prices"})
	if res.IsError || res.ForLLM != "- short" {
		t.Fatalf("Execute() = %+v, want digest", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 7 {
		t.Errorf("Execute().Usage = %+v, want 7 tokens", res.Usage)
	}
	req := p.reqs[0]
	if req.Model != "stub-1" || !strings.Contains(req.Messages[1].Content, "Focus on: prices") {
		t.Errorf("request = %+v, want default model and focus", req)
	}

	if res := tool.Execute(context.Background(), map[string]any{"content": "  "}); !res.IsError {
		t.Errorf("Execute(empty).IsError = false, want true")
	}

	p.err = fmt.Errorf("upstream down")
	if res := tool.Execute(context.Background(), map[string]any{"content": "x"}); !res.IsError {
		t.Errorf("Execute(provider error).IsError = false, want true")
	}
}

type recordingOutbox struct {
	mu   sync.Mutex
	next int
	sent map[string][]string // channel -> texts
}

func (o *recordingOutbox) BotID() string { return "bot" }

func (o *recordingOutbox) SendMessage(_ context.Context, channelID, text string, _ channels.SendOptions) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sent == nil {
		o.sent = make(map[string][]string)
	}
	o.next++
	o.sent[channelID] = append(o.sent[channelID], text)
	return fmt.Sprintf("out-%d", o.next), nil
}

func (o *recordingOutbox) SendReaction(context.Context, string, string, string) error { return nil }
func (o *recordingOutbox) RemoveEvent(context.Context, string, string) error          { return nil }

func TestSendMessageNeedsApproval(t *testing.T) {
	s, err := sqlite.NewStores(store.StoreConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	origin := &store.Message{
		EventID: "E1", ThreadID: "E1", ChannelID: "C1", UserID: "A",
		Message: "tell C2 ping", IsThreadStarter: true, CreatedAt: time.Now().UTC(),
	}
	if err := s.Messages.Save(ctx, origin); err != nil {
		t.Fatal(err)
	}

	wf := approval.New(s.Messages, s.Toolcalls, approval.DefaultGlyphs())
	wf.Register(SendMessageToolName, SendMessageExecutor(s.Messages))
	out := &recordingOutbox{}
	tool := NewSendMessageTool(wf)

	if res := tool.Execute(ctx, map[string]any{"channelId": "C2", "message": "ping"}); !res.IsError {
		t.Errorf("Execute() without origin IsError = false, want true")
	}

	runCtx := WithToolOutbox(WithToolOrigin(ctx, origin), out)
	res := tool.Execute(runCtx, map[string]any{"channelId": "C2", "message": "ping"})
	if res.IsError {
		t.Fatalf("Execute() error: %s", res.ForLLM)
	}
	if len(out.sent["C2"]) != 0 {
		t.Fatalf("sent to C2 before approval: %v", out.sent["C2"])
	}

	tc, err := s.Toolcalls.ToolcallByDraft(ctx, "out-1")
	if err != nil || tc == nil {
		t.Fatalf("ToolcallByDraft(out-1) = %v, %v", tc, err)
	}
	if tc.OriginalEventID != "E1" || tc.Status != store.ToolcallPending {
		t.Errorf("toolcall = %+v, want pending for E1", tc)
	}

	outcome, err := wf.HandleReaction(ctx, out, bus.InboundReaction{MessageID: "out-1", UserID: "A", Reaction: "✅"})
	if err != nil || outcome != approval.OutcomeExecuted {
		t.Fatalf("HandleReaction() = %v, %v, want executed", outcome, err)
	}
	if got := out.sent["C2"]; len(got) != 1 || got[0] != "ping" {
		t.Errorf("sent to C2 = %v, want [ping]", got)
	}

	posted, err := s.Messages.Get(ctx, "out-2")
	if err != nil {
		t.Fatal(err)
	}
	if posted.UserID != "bot" || !posted.IsThreadStarter || posted.ThreadID != "out-2" || posted.ChannelID != "C2" {
		t.Errorf("posted = %+v, want bot standalone in C2", posted)
	}
	if last := out.sent["C1"][len(out.sent["C1"])-1]; last != "Sent to C2." {
		t.Errorf("confirmation = %q, want %q", last, "Sent to C2.")
	}
}
