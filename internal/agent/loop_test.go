package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nextlevelbuilder/beaver/internal/convo"
	"github.com/nextlevelbuilder/beaver/internal/providers"
	"github.com/nextlevelbuilder/beaver/internal/tools"
)

// scriptedProvider replays responses in order and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	err       error
	reqs      []providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "done"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted-1" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type echoTool struct{ calls atomic.Int32 }

func (t *echoTool) Name() string               { return "echo" }
func (t *echoTool) Description() string        { return "echoes" }
func (t *echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	t.calls.Add(1)
	s, _ := args["text"].(string)
	return tools.NewResult("echo: " + s)
}

func transcript(turns ...convo.Turn) *convo.Transcript {
	return &convo.Transcript{ThreadID: "T1", StarterID: "T1", Turns: turns}
}

func TestRunPlainAnswer(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{{Content: "<think>hmm</think>Hello A"}}}
	l := NewLoop(LoopConfig{ID: "beaver", Provider: p})

	res := l.Run(context.Background(), RunRequest{Transcript: transcript(
		convo.Turn{Role: convo.RoleUser, UserID: "A", Text: "hi"},
	)})
	if !res.OK || res.Content != "Hello A" {
		t.Fatalf("Run() = %+v, want OK with sanitized text", res)
	}
	req := p.reqs[0]
	if req.Model != "scripted-1" || req.Messages[0].Role != "system" || req.Messages[1].Content != "[A] hi" {
		t.Errorf("request = %+v, want default model, system prompt and attributed user turn", req)
	}
}

func TestRunExecutesTools(t *testing.T) {
	echo := &echoTool{}
	reg := tools.NewRegistry()
	reg.Register(echo)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "one"}},
			{ID: "c2", Name: "echo", Arguments: map[string]any{"text": "two"}},
		}},
		{Content: "all done"},
	}}
	l := NewLoop(LoopConfig{Provider: p, Tools: reg})

	res := l.Run(context.Background(), RunRequest{Transcript: transcript(
		convo.Turn{Role: convo.RoleUser, UserID: "A", Text: "echo twice"},
	)})
	if !res.OK || res.Content != "all done" || res.Iterations != 2 {
		t.Fatalf("Run() = %+v, want OK after 2 iterations", res)
	}
	if n := echo.calls.Load(); n != 2 {
		t.Errorf("echo calls = %d, want 2", n)
	}

	second := p.reqs[1].Messages
	n := len(second)
	if second[n-2].ToolCallID != "c1" || second[n-2].Content != "echo: one" ||
		second[n-1].ToolCallID != "c2" || second[n-1].Content != "echo: two" {
		t.Errorf("tool results = %+v, want c1 then c2", second[n-2:])
	}
	if len(p.reqs[0].Tools) != 1 || p.reqs[0].Tools[0].Function.Name != "echo" {
		t.Errorf("tools = %+v, want echo", p.reqs[0].Tools)
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	loopCall := &providers.ChatResponse{ToolCalls: []providers.ToolCall{{ID: "c", Name: "echo"}}}
	p := &scriptedProvider{responses: []*providers.ChatResponse{loopCall, loopCall, loopCall, loopCall}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	l := NewLoop(LoopConfig{Provider: p, Tools: reg, MaxIterations: 3})

	res := l.Run(context.Background(), RunRequest{Transcript: transcript(
		convo.Turn{Role: convo.RoleUser, UserID: "A", Text: "loop"},
	)})
	if res.OK {
		t.Errorf("Run().OK = true, want false")
	}
	if len(p.reqs) != 3 {
		t.Errorf("provider calls = %d, want 3", len(p.reqs))
	}
}

func TestRunProviderFailure(t *testing.T) {
	p := &scriptedProvider{err: errors.New("503 upstream")}
	l := NewLoop(LoopConfig{Provider: p})

	res := l.Run(context.Background(), RunRequest{Transcript: transcript(
		convo.Turn{Role: convo.RoleUser, UserID: "A", Text: "hi"},
	)})
	if res.OK || res.Err == nil || res.Content != "" {
		t.Errorf("Run() = %+v, want failure result", res)
	}

	if res := l.Run(context.Background(), RunRequest{}); res.OK {
		t.Errorf("Run(no transcript).OK = true, want false")
	}
}

func TestBuildMessages(t *testing.T) {
	l := NewLoop(LoopConfig{Provider: &scriptedProvider{}, Persona: "persona"})
	tr := transcript(
		convo.Turn{Role: convo.RoleAssistant, UserID: "bot", Text: "announcement"},
		convo.Turn{Role: convo.RoleUser, UserID: "A", Text: "first"},
		convo.Turn{Role: convo.RoleUser, UserID: "B", Text: "second"},
		convo.Turn{Role: convo.RoleAssistant, UserID: "bot", Text: "reply"},
	)
	tr.AskThread = true

	msgs := l.buildMessages(tr, "<conversation/>")
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,user,assistant" {
		t.Fatalf("roles = %s, want system,user,assistant,user,assistant", got)
	}
	if msgs[3].Content != "[A] first\n\n[B] second" {
		t.Errorf("merged user turn = %q", msgs[3].Content)
	}
	sys := msgs[0].Content
	if !strings.HasPrefix(sys, "persona") || !strings.Contains(sys, "<conversation/>") || !strings.Contains(sys, "explicit question") {
		t.Errorf("system prompt = %q, want persona, ask note and channel fragment", sys)
	}
}

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "hello", "hello"},
		{"thinking", "<thinking>plan</thinking>\nanswer", "answer"},
		{"final", "<final>answer</final>", "answer"},
		{"duplicate blocks", "a\n\na\n\nb", "a\n\nb"},
		{"echoed fragment", `<conversation channel="C1"><message id="1"></message></conversation>` + "\nok", "ok"},
		{"tool text", "[Tool Call: read_url]\nArguments: {}\nHere it is", "Here it is"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("SanitizeAssistantContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
