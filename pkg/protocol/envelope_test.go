package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeMessageSend, MessageSendPayload{Content: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeMessageSend, msg.Type)
	assert.Equal(t, Version, msg.Version)
	assert.False(t, msg.Timestamp.IsZero())

	var payload MessageSendPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "hello", payload.Content)
}

func TestNewMessage_NilPayload(t *testing.T) {
	msg, err := NewMessage(TypeHeartbeatPing, nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Payload)
}

func TestParse_RoundTrip(t *testing.T) {
	original := MustNewMessage(TypeFlowPause, FlowControlPayload{Reason: "user requested"})
	data, err := original.Encode()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, original.ID, parsed.ID)
	assert.Equal(t, original.Type, parsed.Type)
	assert.Equal(t, original.Version, parsed.Version)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing id", `{"type":"data.message.send","version":"1.0"}`},
		{"missing type", `{"id":"abc","version":"1.0"}`},
		{"bad type shape", `{"id":"abc","type":"message.send","version":"1.0"}`},
		{"unknown plane", `{"id":"abc","type":"meta.message.send","version":"1.0"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestParse_DefaultsVersion(t *testing.T) {
	msg, err := Parse([]byte(`{"id":"abc","type":"system.heartbeat.pong"}`))
	require.NoError(t, err)
	assert.Equal(t, Version, msg.Version)
}

func TestPlaneOf(t *testing.T) {
	tests := []struct {
		msgType string
		plane   Plane
		wantErr bool
	}{
		{TypeHeartbeatPing, PlaneSystem, false},
		{TypeFlowCancel, PlaneControl, false},
		{TypeContentChunk, PlaneData, false},
		{"data.message", "", true},
		{"data.message.send.extra", "", true},
		{"meta.message.send", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.msgType, func(t *testing.T) {
			plane, err := PlaneOf(tt.msgType)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.plane, plane)
		})
	}
}

func TestDecodePayload(t *testing.T) {
	msg := MustNewMessage(TypeResponseSubmit, ResponseSubmitPayload{
		ToolCallID: "call_1",
		Response:   map[string]interface{}{"choice": "blue"},
	})

	var payload ResponseSubmitPayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, "call_1", payload.ToolCallID)
	assert.Equal(t, "blue", payload.Response["choice"])
}

func TestDecodePayload_Empty(t *testing.T) {
	msg := MustNewMessage(TypeHeartbeatPing, nil)
	var payload HeartbeatPayload
	assert.Error(t, msg.DecodePayload(&payload))
}
