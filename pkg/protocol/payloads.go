package protocol

import "time"

// System plane payloads.

// ConnectionEstablishedPayload confirms a successful handshake.
type ConnectionEstablishedPayload struct {
	ConnectionID   string `json:"connection_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ConnectionErrorPayload reports a connection-level failure.
type ConnectionErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatPayload carries the ping/pong correlation sequence.
type HeartbeatPayload struct {
	Seq int64 `json:"seq"`
}

// MessageRejectedPayload reports an envelope that failed validation,
// carrying the offending message id.
type MessageRejectedPayload struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

// MessageAckPayload acknowledges receipt of a message that mapped to no
// registered handler.
type MessageAckPayload struct {
	MessageID string `json:"message_id"`
}

// Control plane payloads.

// ConversationConfigPayload announces the effective conversation settings
// after a handshake or a model switch.
type ConversationConfigPayload struct {
	ConversationID string                 `json:"conversation_id"`
	Model          string                 `json:"model,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// FlowControlPayload is shared by pause, resume and cancel requests.
type FlowControlPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ModelSwitchPayload requests a different model for subsequent turns.
type ModelSwitchPayload struct {
	Model string `json:"model"`
}

// SessionStartPayload requests an agent-initiated session.
type SessionStartPayload struct {
	SessionType  string `json:"session_type,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
}

// SessionErrorPayload surfaces a domain error to the client.
type SessionErrorPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Data plane payloads.

// MessageSendPayload is a user conversation turn.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

// DataMessageAckPayload acknowledges a user message before the agent runs.
type DataMessageAckPayload struct {
	MessageID string `json:"message_id"`
}

// ContentChunkPayload is one streamed fragment of assistant output.
type ContentChunkPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Delta          string `json:"delta"`
	Index          int    `json:"index"`
}

// ContentCompletePayload closes a streamed assistant turn.
type ContentCompletePayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
	Truncated      bool   `json:"truncated,omitempty"`
	InputTokens    int    `json:"input_tokens,omitempty"`
	OutputTokens   int    `json:"output_tokens,omitempty"`
}

// ToolResultPayload reports a backend tool execution outcome.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// WidgetRenderPayload asks the client to render an interactive widget for a
// suspended tool call.
type WidgetRenderPayload struct {
	SessionID  string                 `json:"session_id,omitempty"`
	ToolCallID string                 `json:"tool_call_id"`
	WidgetType string                 `json:"widget_type"`
	Props      map[string]interface{} `json:"props,omitempty"`
}

// ResponseSubmitPayload is the user's answer to a rendered widget. The
// tool_call_id is the sole correlation key across the suspend boundary.
type ResponseSubmitPayload struct {
	SessionID  string                 `json:"session_id,omitempty"`
	ToolCallID string                 `json:"tool_call_id"`
	Response   map[string]interface{} `json:"response"`
	SubmittedAt time.Time             `json:"submitted_at,omitempty"`
}
