package protocol

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError reports a payload that failed schema validation. It
// carries the offending message id so the router can echo it back.
type ValidationError struct {
	MessageID string
	Type      string
	Reason    string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload (message %s): %s", e.Type, e.MessageID, e.Reason)
}

// inboundSchemas holds the JSON Schema for every client-originated message
// type. Server-originated types are not listed; the server trusts its own
// constructors.
var inboundSchemas = map[string]string{
	TypeHeartbeatPong: `{
		"type": "object",
		"properties": {
			"seq": {"type": "integer"}
		},
		"required": ["seq"]
	}`,
	TypeFlowPause: `{
		"type": "object",
		"properties": {
			"conversation_id": {"type": "string"},
			"reason": {"type": "string"}
		}
	}`,
	TypeFlowResume: `{
		"type": "object",
		"properties": {
			"conversation_id": {"type": "string"},
			"reason": {"type": "string"}
		}
	}`,
	TypeFlowCancel: `{
		"type": "object",
		"properties": {
			"conversation_id": {"type": "string"},
			"reason": {"type": "string"}
		}
	}`,
	TypeModelSwitch: `{
		"type": "object",
		"properties": {
			"model": {"type": "string", "minLength": 1}
		},
		"required": ["model"]
	}`,
	TypeSessionStart: `{
		"type": "object",
		"properties": {
			"session_type": {"type": "string"},
			"definition_id": {"type": "string"}
		}
	}`,
	TypeMessageSend: `{
		"type": "object",
		"properties": {
			"conversation_id": {"type": "string"},
			"content": {"type": "string", "minLength": 1}
		},
		"required": ["content"]
	}`,
	TypeResponseSubmit: `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"},
			"tool_call_id": {"type": "string", "minLength": 1},
			"response": {"type": "object"}
		},
		"required": ["tool_call_id", "response"]
	}`,
}

var (
	schemaOnce      sync.Once
	compiledSchemas map[string]*gojsonschema.Schema
)

func schemas() map[string]*gojsonschema.Schema {
	schemaOnce.Do(func() {
		compiledSchemas = make(map[string]*gojsonschema.Schema, len(inboundSchemas))
		for msgType, raw := range inboundSchemas {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
			if err != nil {
				panic(fmt.Sprintf("invalid schema for %s: %v", msgType, err))
			}
			compiledSchemas[msgType] = schema
		}
	})
	return compiledSchemas
}

// HasSchema reports whether a payload schema is registered for msgType.
func HasSchema(msgType string) bool {
	_, ok := schemas()[msgType]
	return ok
}

// ValidatePayload checks the message payload against the schema registered
// for its type. Types with no registered schema pass; the router decides
// whether they map to a handler.
func ValidatePayload(msg *Message) error {
	schema, ok := schemas()[msg.Type]
	if !ok {
		return nil
	}

	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &ValidationError{MessageID: msg.ID, Type: msg.Type, Reason: err.Error()}
	}
	if !result.Valid() {
		reason := "payload does not match schema"
		if errs := result.Errors(); len(errs) > 0 {
			reason = errs[0].String()
		}
		return &ValidationError{MessageID: msg.ID, Type: msg.Type, Reason: reason}
	}

	return nil
}
