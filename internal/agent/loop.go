// Package agent runs one conversational turn: it shows the model the
// live collection, executes the operations it asks for, and has it
// narrate the results.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sage/internal/conversation"
	"github.com/nugget/sage/internal/events"
	"github.com/nugget/sage/internal/garden"
	"github.com/nugget/sage/internal/llm"
	"github.com/nugget/sage/internal/prompts"
	"github.com/nugget/sage/internal/tools"
)

// Snapshotter reads the whole collection at once.
type Snapshotter interface {
	Snapshot(ctx context.Context) (garden.Snapshot, error)
}

// Executor runs one model-requested operation. *tools.Executor
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (tools.Call, error)
}

// Phase is the timeout and retry policy for one model call.
type Phase struct {
	Timeout time.Duration // per attempt; 0 = none
	Retries int           // attempts after the first
	Backoff time.Duration
}

// Config configures a Loop.
type Config struct {
	Model    string
	Request  Phase // tool-selection call
	Finalize Phase // narration call, catalogue withheld
}

// TurnResult is what a completed turn hands back to the host.
type TurnResult struct {
	Reply string
	// Operations lists performed operation names in request order. Nil
	// means the model answered without requesting any.
	Operations   []string
	TraceID      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// ModelError reports a failed model call. The turn is abandoned and
// conversation state is left untouched.
type ModelError struct {
	Phase string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

const (
	phaseRequest  = "request"
	phaseFinalize = "finalize"
)

// Loop is the turn orchestrator. It holds no per-conversation state and
// is safe for concurrent use across conversations.
type Loop struct {
	logger *slog.Logger
	llm    llm.Client
	store  Snapshotter
	exec   Executor
	events *events.Bus
	cfg    Config
	now    func() time.Time
}

// NewLoop creates a turn orchestrator. bus may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, store Snapshotter, exec Executor, bus *events.Bus, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger.With("component", "agent"),
		llm:    client,
		store:  store,
		exec:   exec,
		events: bus,
		cfg:    cfg,
		now:    time.Now,
	}
}

// RunTurn processes one user message against state. The caller must
// hold the conversation exclusively (see conversation.Sessions). On
// success state gains the user message and the reply; on error state is
// unchanged. Per-operation failures are reported to the model and never
// surface here.
func (l *Loop) RunTurn(ctx context.Context, userMessage string, state *conversation.State) (*TurnResult, error) {
	start := l.now()
	traceID := llm.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = llm.WithTraceID(ctx, traceID)
	}
	log := l.logger.With("trace_id", traceID, "conversation_id", state.ID)

	l.events.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"trace_id":        traceID,
		"conversation_id": state.ID,
	})

	result, next, err := l.runTurn(ctx, log, traceID, userMessage, state)
	if err != nil {
		log.Error("turn failed", "error", err)
		l.events.Emit(events.SourceAgent, events.KindTurnFailed, map[string]any{
			"trace_id":        traceID,
			"conversation_id": state.ID,
			"error":           err.Error(),
		})
		return nil, err
	}

	next.UpdatedAt = l.now()
	state.Replace(next)

	elapsed := l.now().Sub(start)
	log.Info("turn complete",
		"operations", result.Operations,
		"tokens_in", result.InputTokens,
		"tokens_out", result.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.events.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"trace_id":        traceID,
		"conversation_id": state.ID,
		"operations":      result.Operations,
		"elapsed_ms":      elapsed.Milliseconds(),
	})
	return result, nil
}

func (l *Loop) runTurn(ctx context.Context, log *slog.Logger, traceID, userMessage string, state *conversation.State) (*TurnResult, *conversation.State, error) {
	next := state.Clone()
	next.Append(conversation.RoleUser, userMessage)

	snap, err := l.store.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read collection: %w", err)
	}
	system, err := prompts.SystemMessage(snap, next.History, next.Hints)
	if err != nil {
		return nil, nil, fmt.Errorf("build context: %w", err)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: userMessage},
	}
	result := &TurnResult{TraceID: traceID, Model: l.cfg.Model}

	resp, err := l.call(ctx, log, phaseRequest, l.cfg.Request, messages, tools.Definitions())
	if err != nil {
		return nil, nil, err
	}
	result.InputTokens += resp.InputTokens
	result.OutputTokens += resp.OutputTokens

	requested := resp.Message.ToolCalls
	if len(requested) == 0 {
		result.Reply = resp.Message.Content
		next.Append(conversation.RoleAssistant, result.Reply)
		return result, next, nil
	}

	// Every call needs an id to pair it with its result; Ollama omits
	// them.
	for i := range requested {
		if requested[i].ID == "" {
			requested[i].ID = "call_" + uuid.NewString()
		}
	}
	messages = append(messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Message.Content,
		ToolCalls: requested,
	})

	result.Operations = make([]string, 0, len(requested))
	for _, tc := range requested {
		name := tc.Function.Name
		l.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"trace_id": traceID,
			"tool":     name,
		})

		call, err := l.exec.Execute(ctx, name, tc.Function.Arguments)
		if err != nil {
			return nil, nil, fmt.Errorf("execute %s: %w", name, err)
		}
		applyHints(&next.Hints, call)

		l.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
			"trace_id":    traceID,
			"tool":        name,
			"ok":          call.Result["error"] == nil,
			"duration_ms": call.Duration.Milliseconds(),
		})
		log.Debug("operation result", "tool", name, "result", call.Result.JSON())

		result.Operations = append(result.Operations, name)
		messages = append(messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    call.Result.JSON(),
			ToolCallID: tc.ID,
		})
	}

	final, err := l.call(ctx, log, phaseFinalize, l.cfg.Finalize, messages, nil)
	if err != nil {
		return nil, nil, err
	}
	result.InputTokens += final.InputTokens
	result.OutputTokens += final.OutputTokens
	result.Reply = final.Message.Content
	if result.Reply == "" {
		log.Warn("model returned an empty reply after operations", "operations", result.Operations)
	}

	next.Append(conversation.RoleAssistant, result.Reply)
	return result, next, nil
}

// applyHints updates cross-turn hints from a successful operation.
func applyHints(h *conversation.Hints, call tools.Call) {
	if !call.Result.Succeeded() {
		return
	}
	switch op := call.Operation.(type) {
	case tools.AddPlant:
		if id, ok := call.Result["plant_id"].(int64); ok {
			h.PlantAdded(id, op.PlantName)
		}
	case tools.UpdateCareSchedule:
		h.CareScheduled()
	}
}

// call runs one model phase under its own timeout and retry policy.
func (l *Loop) call(ctx context.Context, log *slog.Logger, phase string, p Phase, messages []llm.Message, catalogue []map[string]any) (*llm.ChatResponse, error) {
	traceID := llm.TraceID(ctx)
	var lastErr error

	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			log.Warn("retrying model call", "phase", phase, "attempt", attempt+1, "error", lastErr)
			if p.Backoff > 0 {
				select {
				case <-time.After(p.Backoff):
				case <-ctx.Done():
					return nil, &ModelError{Phase: phase, Err: ctx.Err()}
				}
			}
		}

		l.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"trace_id": traceID,
			"phase":    phase,
			"model":    l.cfg.Model,
			"attempt":  attempt + 1,
		})

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		start := time.Now()
		resp, err := l.llm.Chat(callCtx, l.cfg.Model, messages, catalogue)
		cancel()

		if err == nil {
			l.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
				"trace_id":   traceID,
				"phase":      phase,
				"model":      resp.Model,
				"tokens_in":  resp.InputTokens,
				"tokens_out": resp.OutputTokens,
				"tool_calls": len(resp.Message.ToolCalls),
				"elapsed_ms": time.Since(start).Milliseconds(),
			})
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			break
		}
	}
	return nil, &ModelError{Phase: phase, Err: lastErr}
}
