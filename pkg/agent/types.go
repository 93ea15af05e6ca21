package agent

import (
	"errors"
	"strings"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/toolexec"
)

// Domain errors crossing the suspend/resume boundary.
var (
	// ErrInvalidToolCallID is returned when a client response does not
	// correlate with the pending tool call.
	ErrInvalidToolCallID = errors.New("tool call id does not match pending tool call")

	// ErrRunTimeout is returned when a run exceeds its wall-clock budget.
	ErrRunTimeout = errors.New("agent run timeout exceeded")

	// ErrNoPendingToolCall is returned when resuming a snapshot with no
	// pending call.
	ErrNoPendingToolCall = errors.New("execution snapshot has no pending tool call")
)

// Message is one turn of LLM context: user/assistant/tool/system.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// TokenUsage tracks token consumption for one run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Config bounds an agent run.
type Config struct {
	Model                    string          `json:"model"`
	Temperature              float64         `json:"temperature,omitempty"`
	MaxTokens                int             `json:"max_tokens,omitempty"`
	SystemPrompt             string          `json:"system_prompt,omitempty"`
	MaxIterations            int             `json:"max_iterations,omitempty"`
	MaxToolCallsPerIteration int             `json:"max_tool_calls_per_iteration,omitempty"`
	ToolChoice               string          `json:"tool_choice,omitempty"` // "auto" or "none"
	StopOnError              bool            `json:"stop_on_error,omitempty"`
	RetryOnError             bool            `json:"retry_on_error,omitempty"`
	MaxRetries               int             `json:"max_retries,omitempty"`
	TimeoutSeconds           int             `json:"timeout_seconds,omitempty"`
	Streaming                bool            `json:"streaming,omitempty"`
	ToolPolicy               *toolexec.Policy `json:"tool_policy,omitempty"`
}

// DefaultConfig returns the default run bounds.
func DefaultConfig() Config {
	return Config{
		Model:                    "claude-3-5-sonnet-20241022",
		Temperature:              0.7,
		MaxTokens:                4096,
		MaxIterations:            10,
		MaxToolCallsPerIteration: 5,
		ToolChoice:               "auto",
		RetryOnError:             true,
		MaxRetries:               3,
		TimeoutSeconds:           300,
	}
}

// EventType tags the variants of the agent event stream.
type EventType string

const (
	EventContentChunk    EventType = "content_chunk"
	EventContentComplete EventType = "content_complete"
	EventToolCall        EventType = "tool_call"
	EventToolResult      EventType = "tool_result"
	EventClientAction    EventType = "client_action"
	EventError           EventType = "error"
	EventDone            EventType = "done"
)

// Event is one element of the run's event stream. Events are consumed by
// the orchestrator and never persisted directly; only their effects on the
// session and transcript are.
type Event struct {
	Type      EventType
	Content   string
	ToolCall  *ToolCall
	Result    *ToolCallResult
	Action    *ClientAction
	Err       string
	Truncated bool
	Usage     *TokenUsage
}

// EmitFunc consumes agent events as they are produced.
type EmitFunc func(Event)

// ToolCallResult pairs a tool call with its execution outcome.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// ClientAction is a suspended tool call waiting for the user: the widget the
// client must render, keyed by the tool call id.
type ClientAction struct {
	ToolCallID string                 `json:"tool_call_id"`
	ToolName   string                 `json:"tool_name"`
	WidgetType string                 `json:"widget_type"`
	Props      map[string]interface{} `json:"props,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ClientResponse is the user's eventual answer to a ClientAction. The
// ToolCallID must equal the pending action's; it is the sole correlation key
// across the suspend/resume boundary.
type ClientResponse struct {
	ToolCallID  string                 `json:"tool_call_id"`
	Response    map[string]interface{} `json:"response"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// ExecutionState is the serialized snapshot captured at suspension: enough
// LLM context and loop counters to resume the run on any process.
type ExecutionState struct {
	ConversationSnapshot []Message `json:"conversation_snapshot"`
	Iteration            int       `json:"iteration"`
	ToolCallCount        int       `json:"tool_call_count"`
	PendingToolCall      *ToolCall `json:"pending_tool_call"`
	StartedAt            time.Time `json:"started_at"`
	SuspendedAt          time.Time `json:"suspended_at"`
}

// Outcome summarizes a completed or suspended run.
type Outcome struct {
	Content    string
	Suspended  bool
	Suspension *ExecutionState
	Action     *ClientAction
	Iterations int
	ToolCalls  int
	Truncated  bool
	Usage      *TokenUsage
}

// IsRetryableError classifies transport-level failures worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	for _, marker := range []string{
		"ECONNRESET", "ETIMEDOUT", "connection reset", "connection refused",
		"429", "rate limit",
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
