// Package agent runs the completion tool loop that produces the bot's replies.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/beaver/internal/approval"
	"github.com/nextlevelbuilder/beaver/internal/convo"
	"github.com/nextlevelbuilder/beaver/internal/metrics"
	"github.com/nextlevelbuilder/beaver/internal/providers"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/internal/tools"
)

// Loop is the agent execution loop for the bot persona.
// Think → Act → Observe cycle with tool execution.
type Loop struct {
	id            string
	provider      providers.Provider
	model         string
	maxIterations int
	maxTokens     int
	persona       string
	tools         *tools.Registry
	activeRuns    atomic.Int32
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string // empty = provider default
	MaxIterations int    // provider calls per run, default 10
	MaxTokens     int    // per completion, default 2048
	Persona       string // system prompt, default DefaultPersona
	Tools         *tools.Registry
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Model == "" {
		cfg.Model = cfg.Provider.DefaultModel()
	}
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	return &Loop{
		id:            cfg.ID,
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
		persona:       cfg.Persona,
		tools:         cfg.Tools,
	}
}

// RunRequest is the input for one reply.
type RunRequest struct {
	RunID             string
	Transcript        *convo.Transcript
	ExtraSystemPrompt string         // channel context fragment, appended to the persona
	Origin            *store.Message // message being answered; guarded tools draft against it
	Outbox            approval.Outbox
}

// RunResult is the outcome of a run. Completion failures are reported
// through OK and Err, never as a Go error from Run.
type RunResult struct {
	OK         bool             `json:"ok"`
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Err        error            `json:"-"`
}

// Run produces the next assistant message for req.Transcript.
// It blocks until completion.
func (l *Loop) Run(ctx context.Context, req RunRequest) *RunResult {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx, span := l.startRunSpan(ctx, req)
	defer span.End()

	start := time.Now()
	result, err := l.runLoop(ctx, req)
	metrics.CompletionSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.Completions.WithLabelValues("error").Inc()
		span.RecordError(err)
		slog.Warn("agent run failed", "agent", l.id, "run", req.RunID, "error", err)
		return &RunResult{RunID: req.RunID, Iterations: result.Iterations, Err: err}
	}
	metrics.Completions.WithLabelValues("ok").Inc()
	result.OK = true
	return result
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	result := &RunResult{RunID: req.RunID, Usage: &providers.Usage{}}
	if req.Transcript == nil || len(req.Transcript.Turns) == 0 {
		return result, fmt.Errorf("nothing to respond to")
	}

	if req.Origin != nil {
		ctx = tools.WithToolOrigin(ctx, req.Origin)
	}
	if req.Outbox != nil {
		ctx = tools.WithToolOutbox(ctx, req.Outbox)
	}

	messages := l.buildMessages(req.Transcript, req.ExtraSystemPrompt)
	toolDefs := l.tools.ProviderDefs()

	var finalContent string
	for result.Iterations < l.maxIterations {
		result.Iterations++
		slog.Debug("agent iteration", "agent", l.id, "iteration", result.Iterations, "messages", len(messages))

		resp, err := l.chat(ctx, result.Iterations, providers.ChatRequest{
			Messages:  messages,
			Tools:     toolDefs,
			Model:     l.model,
			MaxTokens: l.maxTokens,
		})
		if err != nil {
			return result, fmt.Errorf("LLM call failed (iteration %d): %w", result.Iterations, err)
		}
		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		// No tool calls → done
		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, r := range l.executeTools(ctx, resp.ToolCalls) {
			if r.Usage != nil {
				result.Usage.TotalTokens += r.Usage.TotalTokens
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    r.ForLLM,
				ToolCallID: r.callID,
			})
		}
		// The last iteration produced only tool calls; keep what text came with them.
		finalContent = resp.Content
	}

	finalContent = SanitizeAssistantContent(finalContent)
	if finalContent == "" {
		return result, fmt.Errorf("empty completion after %d iterations", result.Iterations)
	}
	result.Content = finalContent
	return result, nil
}

type toolOutcome struct {
	*tools.Result
	callID string
}

// executeTools runs the calls of one assistant turn. Multiple calls run in
// parallel; results keep the order of the calls.
func (l *Loop) executeTools(ctx context.Context, calls []providers.ToolCall) []toolOutcome {
	type indexed struct {
		idx int
		out toolOutcome
	}

	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexed{idx: idx, out: toolOutcome{Result: l.executeTool(ctx, tc), callID: tc.ID}}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	outs := make([]toolOutcome, len(collected))
	for i, r := range collected {
		outs[i] = r.out
	}
	return outs
}

func (l *Loop) executeTool(ctx context.Context, tc providers.ToolCall) *tools.Result {
	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("tool call", "agent", l.id, "tool", tc.Name, "args_len", len(argsJSON))

	ctx, span := l.startToolSpan(ctx, tc)
	defer span.End()

	result := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	if result.IsError {
		errMsg := result.ForLLM
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		slog.Warn("tool error", "agent", l.id, "tool", tc.Name, "error", errMsg)
		markToolError(span, result)
	}
	return result
}

// IsRunning returns whether the agent is currently processing.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// Model returns the model identifier for this agent loop.
func (l *Loop) Model() string { return l.model }
