package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/toolexec"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays a fixed sequence of responses and records every
// request it receives.
type scriptedProvider struct {
	responses []*LLMResponse
	errs      []error
	requests  []LLMRequest
}

func (p *scriptedProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	p.requests = append(p.requests, request)
	i := len(p.requests) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.responses))
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) Provider() string { return "scripted" }

// streamingProvider wraps scriptedProvider and streams each response's
// content as two deltas.
type streamingProvider struct {
	scriptedProvider
}

func (p *streamingProvider) CallStream(ctx context.Context, request LLMRequest, onDelta func(delta string)) (*LLMResponse, error) {
	response, err := p.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Content != "" {
		split := len(response.Content) / 2
		if i := strings.Index(response.Content, " "); i >= 0 {
			split = i
		}
		onDelta(response.Content[:split])
		onDelta(response.Content[split:])
	}
	return response, nil
}

// recordingToolProvider implements toolexec.Provider.
type recordingToolProvider struct {
	result toolexec.ExecutionResult
	calls  []string
}

func (r *recordingToolProvider) Execute(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) toolexec.ExecutionResult {
	r.calls = append(r.calls, name)
	return r.result
}

func testExecutor(t *testing.T, toolProvider toolexec.Provider) *toolexec.Executor {
	t.Helper()
	executor := toolexec.New(toolProvider, time.Second, zerolog.Nop())

	require.NoError(t, executor.RegisterTool(toolexec.Definition{
		Name:        "lookup",
		Description: "Look something up",
		Parameters:  []toolexec.Parameter{{Name: "query", Type: "string", Description: "Query", Required: true}},
	}))
	require.NoError(t, executor.RegisterClientTool(toolexec.ClientTool{
		Name:        "present_choices",
		Description: "Ask the user to choose",
		WidgetType:  "choice_list",
		Parameters:  []toolexec.Parameter{{Name: "options", Type: "array", Description: "Options"}},
	}))
	return executor
}

func testConfig() Config {
	return Config{
		Model:                    "test-model",
		MaxIterations:            10,
		MaxToolCallsPerIteration: 5,
		MaxRetries:               3,
	}
}

func collectEvents() (EmitFunc, *[]Event) {
	events := &[]Event{}
	return func(e Event) { *events = append(*events, e) }, events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestLoop_Run_PlainCompletion(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{Content: "Hello there.", Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5}},
	}}
	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	emit, events := collectEvents()
	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "hi"}}, emit)
	require.NoError(t, err)

	assert.Equal(t, "Hello there.", outcome.Content)
	assert.False(t, outcome.Suspended)
	assert.False(t, outcome.Truncated)
	assert.Equal(t, 1, outcome.Iterations)
	require.NotNil(t, outcome.Usage)
	assert.Equal(t, 10, outcome.Usage.InputTokens)

	assert.Equal(t, []EventType{EventContentChunk, EventContentComplete, EventDone}, eventTypes(*events))

	// Tool definitions are offered to the model.
	require.Len(t, provider.requests, 1)
	assert.Len(t, provider.requests[0].Tools, 2)
}

func TestLoop_Run_ToolChoiceNoneOmitsTools(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{{Content: "ok"}}}
	cfg := testConfig()
	cfg.ToolChoice = "none"
	cfg.MaxIterations = 1

	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = loop.Run(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)

	require.Len(t, provider.requests, 1, "exactly one model call")
	assert.Empty(t, provider.requests[0].Tools)
}

func TestLoop_Run_BackendToolCall(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "lookup", Arguments: map[string]interface{}{"query": "go"}}}},
		{Content: "Found it."},
	}}
	toolProvider := &recordingToolProvider{result: toolexec.ExecutionResult{Success: true, Result: "golang.org"}}

	loop, err := NewLoop(provider, testExecutor(t, toolProvider), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	emit, events := collectEvents()
	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "find go"}}, emit)
	require.NoError(t, err)

	assert.Equal(t, "Found it.", outcome.Content)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, 1, outcome.ToolCalls)
	assert.Equal(t, []string{"lookup"}, toolProvider.calls)

	assert.Equal(t, []EventType{EventToolCall, EventToolResult, EventContentChunk, EventContentComplete, EventDone}, eventTypes(*events))

	// The second model call sees the assistant turn and the tool result.
	require.Len(t, provider.requests, 2)
	messages := provider.requests[1].Messages
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "tool", messages[2].Role)
	assert.Equal(t, "call_1", messages[2].ToolCallID)
	assert.Equal(t, "golang.org", messages[2].Content)
}

func TestLoop_Run_ClientToolSuspends(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_9", Name: "present_choices", Arguments: map[string]interface{}{
			"options": []interface{}{"red", "blue"},
		}}}},
	}}
	toolProvider := &recordingToolProvider{}

	loop, err := NewLoop(provider, testExecutor(t, toolProvider), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	emit, events := collectEvents()
	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "pick a color"}}, emit)
	require.NoError(t, err)

	require.True(t, outcome.Suspended)
	require.NotNil(t, outcome.Suspension)
	require.NotNil(t, outcome.Action)

	assert.Equal(t, "call_9", outcome.Action.ToolCallID)
	assert.Equal(t, "choice_list", outcome.Action.WidgetType)
	assert.Equal(t, []interface{}{"red", "blue"}, outcome.Action.Props["options"])

	state := outcome.Suspension
	assert.Equal(t, 1, state.Iteration, "suspension accounts for the model call that produced it")
	require.NotNil(t, state.PendingToolCall)
	assert.Equal(t, "call_9", state.PendingToolCall.ID)
	assert.Len(t, state.ConversationSnapshot, 2)

	// The client tool is never executed server-side.
	assert.Empty(t, toolProvider.calls)
	assert.Equal(t, []EventType{EventClientAction}, eventTypes(*events))
}

func TestLoop_ResumeRoundTrip(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_9", Name: "present_choices", Arguments: map[string]interface{}{}}}},
		{Content: "Blue it is."},
	}}
	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "pick"}}, nil)
	require.NoError(t, err)
	require.True(t, outcome.Suspended)

	// Snapshots survive serialization between suspend and resume.
	raw, err := json.Marshal(outcome.Suspension)
	require.NoError(t, err)
	var restored ExecutionState
	require.NoError(t, json.Unmarshal(raw, &restored))

	resumed, err := loop.Resume(context.Background(), &restored, ClientResponse{
		ToolCallID: "call_9",
		Response:   map[string]interface{}{"choice": "blue"},
	}, nil)
	require.NoError(t, err)

	assert.False(t, resumed.Suspended)
	assert.Equal(t, "Blue it is.", resumed.Content)

	// The resumed model call sees the full snapshot plus the tool answer.
	require.Len(t, provider.requests, 2)
	messages := provider.requests[1].Messages
	last := messages[len(messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call_9", last.ToolCallID)
	assert.JSONEq(t, `{"choice":"blue"}`, last.Content)
}

func TestLoop_Resume_InvalidToolCallID(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_9", Name: "present_choices", Arguments: map[string]interface{}{}}}},
	}}
	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "pick"}}, nil)
	require.NoError(t, err)
	require.True(t, outcome.Suspended)

	_, err = loop.Resume(context.Background(), outcome.Suspension, ClientResponse{
		ToolCallID: "call_wrong",
		Response:   map[string]interface{}{},
	}, nil)
	assert.ErrorIs(t, err, ErrInvalidToolCallID)

	// Nothing ran: no additional model call happened.
	assert.Len(t, provider.requests, 1)
}

func TestLoop_Resume_NoPendingToolCall(t *testing.T) {
	loop, err := NewLoop(&scriptedProvider{}, testExecutor(t, &recordingToolProvider{}), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	_, err = loop.Resume(context.Background(), nil, ClientResponse{ToolCallID: "x"}, nil)
	assert.ErrorIs(t, err, ErrNoPendingToolCall)

	_, err = loop.Resume(context.Background(), &ExecutionState{}, ClientResponse{ToolCallID: "x"}, nil)
	assert.ErrorIs(t, err, ErrNoPendingToolCall)
}

func TestLoop_Resume_IterationBoundHolds(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_9", Name: "present_choices", Arguments: map[string]interface{}{}}}},
	}}
	cfg := testConfig()
	cfg.MaxIterations = 1

	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), cfg, zerolog.Nop())
	require.NoError(t, err)

	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "pick"}}, nil)
	require.NoError(t, err)
	require.True(t, outcome.Suspended)

	resumed, err := loop.Resume(context.Background(), outcome.Suspension, ClientResponse{
		ToolCallID: "call_9",
		Response:   map[string]interface{}{"choice": "a"},
	}, nil)
	require.NoError(t, err)

	// The suspension consumed the only iteration: the resume truncates
	// without another model call.
	assert.True(t, resumed.Truncated)
	assert.Len(t, provider.requests, 1)
}

func TestLoop_Run_MaxIterationsTruncates(t *testing.T) {
	toolCall := ToolCall{ID: "call_1", Name: "lookup", Arguments: map[string]interface{}{"query": "x"}}
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{toolCall}},
		{ToolCalls: []ToolCall{toolCall}},
	}}
	toolProvider := &recordingToolProvider{result: toolexec.ExecutionResult{Success: true, Result: "r"}}

	cfg := testConfig()
	cfg.MaxIterations = 2

	loop, err := NewLoop(provider, testExecutor(t, toolProvider), cfg, zerolog.Nop())
	require.NoError(t, err)

	emit, events := collectEvents()
	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "loop"}}, emit)
	require.NoError(t, err)

	assert.True(t, outcome.Truncated)
	assert.Equal(t, "Response truncated: maximum iterations reached.", outcome.Content)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Len(t, provider.requests, 2)

	last := (*events)[len(*events)-1]
	assert.Equal(t, EventDone, last.Type)
	assert.True(t, last.Truncated)
}

func TestLoop_Run_ToolCallsPerIterationCapped(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{
			{ID: "c1", Name: "lookup", Arguments: map[string]interface{}{"query": "a"}},
			{ID: "c2", Name: "lookup", Arguments: map[string]interface{}{"query": "b"}},
			{ID: "c3", Name: "lookup", Arguments: map[string]interface{}{"query": "c"}},
		}},
		{Content: "done"},
	}}
	toolProvider := &recordingToolProvider{result: toolexec.ExecutionResult{Success: true}}

	cfg := testConfig()
	cfg.MaxToolCallsPerIteration = 2

	loop, err := NewLoop(provider, testExecutor(t, toolProvider), cfg, zerolog.Nop())
	require.NoError(t, err)

	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "go"}}, nil)
	require.NoError(t, err)

	assert.Len(t, toolProvider.calls, 2)
	assert.Equal(t, 2, outcome.ToolCalls)

	// The dropped call still gets a result message, so every tool call in
	// the assistant turn is answered in the follow-up request.
	require.Len(t, provider.requests, 2)
	messages := provider.requests[1].Messages
	require.Len(t, messages, 5)
	assert.Equal(t, "c3", messages[4].ToolCallID)
	assert.Equal(t, "tool", messages[4].Role)
	assert.Contains(t, messages[4].Content, "limit")
}

func TestLoop_Run_SuspendAnswersSiblingCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{
			{ID: "c1", Name: "present_choices", Arguments: map[string]interface{}{}},
			{ID: "c2", Name: "lookup", Arguments: map[string]interface{}{"query": "x"}},
		}},
		{Content: "done"},
	}}
	toolProvider := &recordingToolProvider{result: toolexec.ExecutionResult{Success: true}}

	loop, err := NewLoop(provider, testExecutor(t, toolProvider), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "pick"}}, nil)
	require.NoError(t, err)
	require.True(t, outcome.Suspended)

	// The sibling call after the client tool never runs but is answered in
	// the snapshot.
	assert.Empty(t, toolProvider.calls)
	snapshot := outcome.Suspension.ConversationSnapshot
	require.Len(t, snapshot, 3)
	assert.Equal(t, "tool", snapshot[2].Role)
	assert.Equal(t, "c2", snapshot[2].ToolCallID)
	assert.Contains(t, snapshot[2].Content, "suspended")

	resumed, err := loop.Resume(context.Background(), outcome.Suspension, ClientResponse{
		ToolCallID: "c1",
		Response:   map[string]interface{}{"choice": "a"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", resumed.Content)

	// The resumed context answers both tool calls from the assistant turn.
	require.Len(t, provider.requests, 2)
	messages := provider.requests[1].Messages
	require.Len(t, messages, 4)
	assert.Equal(t, "c2", messages[2].ToolCallID)
	assert.Equal(t, "c1", messages[3].ToolCallID)
}

func TestLoop_Run_StopOnError(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]interface{}{"query": "x"}}}},
	}}
	toolProvider := &recordingToolProvider{result: toolexec.ExecutionResult{Success: false, Error: "backend down"}}

	cfg := testConfig()
	cfg.StopOnError = true

	loop, err := NewLoop(provider, testExecutor(t, toolProvider), cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = loop.Run(context.Background(), []Message{{Role: "user", Content: "go"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

func TestLoop_Run_ToolFailureFeedsModel(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]interface{}{"query": "x"}}}},
		{Content: "Could not look that up."},
	}}
	toolProvider := &recordingToolProvider{result: toolexec.ExecutionResult{Success: false, Error: "backend down"}}

	loop, err := NewLoop(provider, testExecutor(t, toolProvider), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "go"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Could not look that up.", outcome.Content)

	messages := provider.requests[1].Messages
	last := messages[len(messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "backend down", last.Content)
}

func TestLoop_Run_NonRetryableErrorFailsFast(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("invalid api key")}}
	cfg := testConfig()
	cfg.RetryOnError = true

	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = loop.Run(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Len(t, provider.requests, 1, "non-retryable errors must not retry")
}

func TestLoop_Run_RetryableErrorRetries(t *testing.T) {
	provider := &scriptedProvider{
		errs:      []error{errors.New("503 service unavailable"), nil},
		responses: []*LLMResponse{nil, {Content: "recovered"}},
	}
	cfg := testConfig()
	cfg.RetryOnError = true

	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), cfg, zerolog.Nop())
	require.NoError(t, err)

	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", outcome.Content)
	assert.Len(t, provider.requests, 2)
}

func TestLoop_Run_CancelledContext(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{{Content: "never"}}}
	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = loop.Run(ctx, []Message{{Role: "user", Content: "hi"}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, provider.requests)
}

func TestLoop_Run_Streaming(t *testing.T) {
	provider := &streamingProvider{scriptedProvider{responses: []*LLMResponse{
		{Content: "streamed reply"},
	}}}
	cfg := testConfig()
	cfg.Streaming = true

	loop, err := NewLoop(provider, testExecutor(t, &recordingToolProvider{}), cfg, zerolog.Nop())
	require.NoError(t, err)

	emit, events := collectEvents()
	outcome, err := loop.Run(context.Background(), []Message{{Role: "user", Content: "hi"}}, emit)
	require.NoError(t, err)

	assert.Equal(t, "streamed reply", outcome.Content)

	// Two deltas from the stream, then completion; no duplicate full-content
	// chunk.
	assert.Equal(t, []EventType{EventContentChunk, EventContentChunk, EventContentComplete, EventDone}, eventTypes(*events))
	assert.Equal(t, "streamed", (*events)[0].Content)
	assert.Equal(t, " reply", (*events)[1].Content)
}

func TestLoop_Run_DoesNotMutateHistory(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]interface{}{"query": "x"}}}},
		{Content: "done"},
	}}
	toolProvider := &recordingToolProvider{result: toolexec.ExecutionResult{Success: true}}

	loop, err := NewLoop(provider, testExecutor(t, toolProvider), testConfig(), zerolog.Nop())
	require.NoError(t, err)

	history := []Message{{Role: "user", Content: "hi"}}
	_, err = loop.Run(context.Background(), history, nil)
	require.NoError(t, err)

	assert.Len(t, history, 1)
}

func TestNewLoop_Validation(t *testing.T) {
	executor := testExecutor(t, &recordingToolProvider{})

	_, err := NewLoop(nil, executor, testConfig(), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewLoop(&scriptedProvider{}, nil, testConfig(), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewLoop(&scriptedProvider{}, executor, Config{}, zerolog.Nop())
	assert.Error(t, err, "model is required")

	loop, err := NewLoop(&scriptedProvider{}, executor, Config{Model: "m"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxIterations, loop.Config().MaxIterations)
	assert.Equal(t, DefaultConfig().MaxToolCallsPerIteration, loop.Config().MaxToolCallsPerIteration)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 rate limit exceeded"), true},
		{"overloaded", errors.New("api overloaded"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"server error", errors.New("502 bad gateway"), true},
		{"auth failure", errors.New("401 unauthorized"), false},
		{"bad request", errors.New("invalid request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
