package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the current envelope schema version.
const Version = "1.0"

// Plane classifies a message's purpose on the wire.
type Plane string

const (
	PlaneSystem  Plane = "system"
	PlaneControl Plane = "control"
	PlaneData    Plane = "data"
)

// Message type constants, one per {plane}.{category}.{action}.
const (
	// System plane: connection lifecycle and liveness.
	TypeConnectionEstablished = "system.connection.established"
	TypeConnectionError       = "system.connection.error"
	TypeHeartbeatPing         = "system.heartbeat.ping"
	TypeHeartbeatPong         = "system.heartbeat.pong"
	TypeMessageRejected       = "system.message.rejected"
	TypeMessageAck            = "system.message.ack"

	// Control plane: flow, session and conversation state.
	TypeConversationConfig = "control.conversation.config"
	TypeFlowPause          = "control.flow.pause"
	TypeFlowResume         = "control.flow.resume"
	TypeFlowCancel         = "control.flow.cancel"
	TypeModelSwitch        = "control.model.switch"
	TypeSessionStart       = "control.session.start"
	TypeSessionError       = "control.session.error"

	// Data plane: content streaming, tool results, user messages.
	TypeMessageSend     = "data.message.send"
	TypeDataMessageAck  = "data.message.ack"
	TypeContentChunk    = "data.content.chunk"
	TypeContentComplete = "data.content.complete"
	TypeToolResult      = "data.tool.result"
	TypeWidgetRender    = "data.widget.render"
	TypeResponseSubmit  = "data.response.submit"
)

// Message is the outer wire envelope. It is immutable after construction:
// senders build it once with NewMessage and nothing mutates it afterwards.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope of the given type around payload. The payload
// is marshaled immediately so the caller can keep mutating its own copy.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// MustNewMessage is NewMessage for payload types known to marshal.
func MustNewMessage(msgType string, payload interface{}) *Message {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Parse decodes a raw envelope and checks the structural fields. The payload
// is left opaque; schema validation happens separately per message type.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	if msg.ID == "" {
		return nil, fmt.Errorf("envelope missing id field")
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("envelope missing type field")
	}
	if _, err := PlaneOf(msg.Type); err != nil {
		return nil, err
	}
	if msg.Version == "" {
		msg.Version = Version
	}

	return &msg, nil
}

// PlaneOf extracts the plane from a dot-separated message type.
func PlaneOf(msgType string) (Plane, error) {
	parts := strings.Split(msgType, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid message type %q: want plane.category.action", msgType)
	}

	switch Plane(parts[0]) {
	case PlaneSystem, PlaneControl, PlaneData:
		return Plane(parts[0]), nil
	default:
		return "", fmt.Errorf("invalid message type %q: unknown plane %q", msgType, parts[0])
	}
}

// DecodePayload unmarshals the envelope payload into dst.
func (m *Message) DecodePayload(dst interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode marshals the full envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}
	return data, nil
}
