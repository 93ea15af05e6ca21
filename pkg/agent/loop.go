package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/toolexec"
	"github.com/rs/zerolog"
)

// Loop is the agent reasoning/tool-calling cycle. It is parameterized by an
// LLM capability and a tool executor, both injected at construction. The
// same loop serves reactive runs (respond to a user turn) and proactive runs
// (agent-initiated); either kind may suspend when the model calls a client
// tool.
type Loop struct {
	provider LLMProvider
	executor *toolexec.Executor
	cfg      Config
	logger   zerolog.Logger
}

// NewLoop creates an agent loop.
func NewLoop(provider LLMProvider, executor *toolexec.Executor, cfg Config, logger zerolog.Logger) (*Loop, error) {
	if provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.MaxToolCallsPerIteration <= 0 {
		cfg.MaxToolCallsPerIteration = DefaultConfig().MaxToolCallsPerIteration
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}

	return &Loop{
		provider: provider,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Config returns the effective run bounds.
func (l *Loop) Config() Config {
	return l.cfg
}

// Run executes the loop from a fresh conversation history. The history must
// already include the triggering user turn (reactive) or only the system
// context (proactive). Events stream to emit as they are produced; the
// returned Outcome reports completion, truncation, or suspension.
func (l *Loop) Run(ctx context.Context, history []Message, emit EmitFunc) (Outcome, error) {
	return l.run(ctx, cloneMessages(history), 0, 0, time.Now(), emit)
}

// Resume consumes a persisted ExecutionState and a ClientResponse and
// re-enters the loop exactly where it suspended. It is the only path that
// may consume a snapshot. A response whose tool call id does not match the
// pending call is rejected with ErrInvalidToolCallID and nothing changes.
func (l *Loop) Resume(ctx context.Context, state *ExecutionState, resp ClientResponse, emit EmitFunc) (Outcome, error) {
	if state == nil || state.PendingToolCall == nil {
		return Outcome{}, ErrNoPendingToolCall
	}
	if resp.ToolCallID != state.PendingToolCall.ID {
		return Outcome{}, ErrInvalidToolCallID
	}

	content, err := json.Marshal(resp.Response)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode client response: %w", err)
	}

	messages := cloneMessages(state.ConversationSnapshot)
	messages = append(messages, Message{
		Role:       "tool",
		ToolCallID: resp.ToolCallID,
		Content:    string(content),
	})

	l.logger.Info().
		Str("tool_call_id", resp.ToolCallID).
		Int("iteration", state.Iteration).
		Msg("Resuming suspended run")

	return l.run(ctx, messages, state.Iteration, state.ToolCallCount, state.StartedAt, emit)
}

// run is the loop body shared by Run and Resume. startIteration and
// toolCallCount restore the counters captured at suspension so the bounds
// hold across the snapshot boundary. The wall-clock budget restarts on
// resume: time spent waiting for the user does not count against the run.
func (l *Loop) run(ctx context.Context, messages []Message, startIteration, toolCallCount int, startedAt time.Time, emit EmitFunc) (Outcome, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	var deadline time.Time
	if l.cfg.TimeoutSeconds > 0 {
		deadline = time.Now().Add(time.Duration(l.cfg.TimeoutSeconds) * time.Second)
	}

	var tools []ToolSpec
	if l.cfg.ToolChoice != "none" {
		tools = l.toolSpecs()
	}

	usage := TokenUsage{}
	outcome := Outcome{ToolCalls: toolCallCount}

	for iteration := startIteration; iteration < l.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			emit(Event{Type: EventError, Err: "run cancelled"})
			return outcome, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			emit(Event{Type: EventError, Err: ErrRunTimeout.Error()})
			return outcome, ErrRunTimeout
		}

		response, streamed, err := l.callWithRetry(ctx, messages, tools, emit)
		if err != nil {
			emit(Event{Type: EventError, Err: err.Error()})
			return outcome, err
		}
		outcome.Iterations++
		if response.Usage != nil {
			usage.InputTokens += response.Usage.InputTokens
			usage.OutputTokens += response.Usage.OutputTokens
		}

		if len(response.ToolCalls) == 0 {
			if !streamed && response.Content != "" {
				emit(Event{Type: EventContentChunk, Content: response.Content})
			}
			emit(Event{Type: EventContentComplete, Content: response.Content, Usage: &usage})
			emit(Event{Type: EventDone})
			outcome.Content = response.Content
			outcome.Usage = &usage
			return outcome, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		calls := response.ToolCalls
		var dropped []ToolCall
		if len(calls) > l.cfg.MaxToolCallsPerIteration {
			l.logger.Warn().
				Int("requested", len(calls)).
				Int("limit", l.cfg.MaxToolCallsPerIteration).
				Msg("Tool calls exceed per-iteration limit, truncating")
			dropped = calls[l.cfg.MaxToolCallsPerIteration:]
			calls = calls[:l.cfg.MaxToolCallsPerIteration]
		}

		for i := range calls {
			call := calls[i]

			// Cancellation takes effect between tool calls, never mid-call.
			if err := ctx.Err(); err != nil {
				emit(Event{Type: EventError, Err: "run cancelled"})
				return outcome, err
			}

			if l.executor.IsClientTool(call.Name) {
				// Sibling calls after the client tool never run. They still
				// need a result message: providers reject a context in which
				// an assistant tool call has no matching result.
				skipped := append(append([]ToolCall{}, calls[i+1:]...), dropped...)
				messages = appendSkippedResults(messages, skipped, "not executed: run suspended for a client action")
				return l.suspend(messages, iteration, toolCallCount, startedAt, call, emit, outcome)
			}

			emit(Event{Type: EventToolCall, ToolCall: &call})
			result := l.executeWithRetry(ctx, call)
			toolCallCount++
			outcome.ToolCalls = toolCallCount

			callResult := &ToolCallResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Success:    result.Success,
				Output:     formatToolOutput(result.Result),
				Error:      result.Error,
				ElapsedMs:  result.ElapsedMs,
			}
			emit(Event{Type: EventToolResult, Result: callResult})

			if !result.Success && l.cfg.StopOnError {
				emit(Event{Type: EventError, Err: result.Error})
				return outcome, fmt.Errorf("tool %s failed: %s", call.Name, result.Error)
			}

			content := callResult.Output
			if !result.Success {
				content = result.Error
			}
			messages = append(messages, Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    content,
			})
		}

		messages = appendSkippedResults(messages, dropped, "not executed: per-iteration tool call limit reached")
	}

	notice := "Response truncated: maximum iterations reached."
	emit(Event{Type: EventContentComplete, Content: notice, Truncated: true, Usage: &usage})
	emit(Event{Type: EventDone, Truncated: true})
	outcome.Content = notice
	outcome.Truncated = true
	outcome.Usage = &usage
	return outcome, nil
}

// suspend captures the execution snapshot for a client tool call and hands
// control back to the caller. The snapshot's Iteration already accounts for
// the LLM call that produced the pending tool call, so the iteration bound
// holds across the suspend/resume boundary.
func (l *Loop) suspend(messages []Message, iteration, toolCallCount int, startedAt time.Time, call ToolCall, emit EmitFunc, outcome Outcome) (Outcome, error) {
	resolution, err := l.executor.Resolve(call.Name, call.Arguments)
	if err != nil {
		emit(Event{Type: EventError, Err: err.Error()})
		return outcome, err
	}

	now := time.Now()
	pending := call
	state := &ExecutionState{
		ConversationSnapshot: cloneMessages(messages),
		Iteration:            iteration + 1,
		ToolCallCount:        toolCallCount,
		PendingToolCall:      &pending,
		StartedAt:            startedAt,
		SuspendedAt:          now,
	}
	action := &ClientAction{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		WidgetType: resolution.WidgetType,
		Props:      resolution.Props,
		CreatedAt:  now,
	}

	l.logger.Info().
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Str("widget", resolution.WidgetType).
		Msg("Suspending run for client action")

	emit(Event{Type: EventClientAction, Action: action})

	outcome.Suspended = true
	outcome.Suspension = state
	outcome.Action = action
	return outcome, nil
}

// callWithRetry calls the LLM with exponential backoff on retryable
// failures. The second return value reports whether content deltas were
// already streamed to emit.
func (l *Loop) callWithRetry(ctx context.Context, messages []Message, tools []ToolSpec, emit EmitFunc) (*LLMResponse, bool, error) {
	request := LLMRequest{
		Model:        l.cfg.Model,
		Messages:     messages,
		Tools:        tools,
		Temperature:  l.cfg.Temperature,
		MaxTokens:    l.cfg.MaxTokens,
		SystemPrompt: l.cfg.SystemPrompt,
	}

	attempts := 1
	if l.cfg.RetryOnError {
		attempts = l.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		response, streamed, err := l.call(ctx, request, emit)
		if err == nil {
			return response, streamed, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, false, err
		}
		if attempt == attempts-1 {
			break
		}

		delay := time.Duration(1<<attempt) * time.Second
		l.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying LLM call")

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, false, fmt.Errorf("llm call failed after %d attempts: %w", attempts, lastErr)
}

func (l *Loop) call(ctx context.Context, request LLMRequest, emit EmitFunc) (*LLMResponse, bool, error) {
	if l.cfg.Streaming {
		if sp, ok := l.provider.(StreamingProvider); ok {
			response, err := sp.CallStream(ctx, request, func(delta string) {
				emit(Event{Type: EventContentChunk, Content: delta})
			})
			return response, err == nil, err
		}
	}
	response, err := l.provider.Call(ctx, request)
	return response, false, err
}

// executeWithRetry runs a backend tool, retrying failed executions with the
// same arguments when the config allows. MaxRetries bounds total attempts.
func (l *Loop) executeWithRetry(ctx context.Context, call ToolCall) toolexec.ExecutionResult {
	result := l.executor.Execute(ctx, call.Name, call.Arguments)
	if result.Success || !l.cfg.RetryOnError {
		return result
	}

	for attempt := 1; attempt < l.cfg.MaxRetries; attempt++ {
		delay := time.Duration(1<<(attempt-1)) * time.Second
		l.logger.Info().
			Str("tool", call.Name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying tool execution")

		select {
		case <-ctx.Done():
			return result
		case <-time.After(delay):
		}

		result = l.executor.Execute(ctx, call.Name, call.Arguments)
		if result.Success {
			return result
		}
	}
	return result
}

func (l *Loop) toolSpecs() []ToolSpec {
	defs := l.executor.Definitions(l.cfg.ToolPolicy)
	specs := make([]ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: toolexec.InputSchema(def.Parameters),
		})
	}
	return specs
}

// appendSkippedResults records a synthetic result for every requested tool
// call the loop did not execute, keeping the assistant message's tool calls
// and the tool results one-to-one.
func appendSkippedResults(messages []Message, calls []ToolCall, reason string) []Message {
	for _, call := range calls {
		messages = append(messages, Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    reason,
		})
	}
	return messages
}

func cloneMessages(messages []Message) []Message {
	cloned := make([]Message, len(messages))
	copy(cloned, messages)
	return cloned
}

func formatToolOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
