package toolexec

import (
	"context"
	"time"
)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Definition describes a backend tool: its schema is what the LLM sees, its
// execution is delegated to the external tool provider.
type Definition struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parameters  []Parameter   `json:"parameters"`
	Timeout     time.Duration `json:"-"`
}

// ClientTool describes a tool that, when called by the LLM, must be rendered
// as a UI widget rather than executed server-side.
type ClientTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	WidgetType  string                 `json:"widget_type"`
	Parameters  []Parameter            `json:"parameters"`
	BaseProps   map[string]interface{} `json:"base_props,omitempty"`
}

// Resolution is the outcome of classifying a tool call: either it requires
// client-side rendering (suspension) or it is a backend execution.
type Resolution struct {
	RequiresClient bool
	WidgetType     string
	Props          map[string]interface{}
}

// ExecutionResult is the uniform outcome of a backend tool call. Timeouts
// and transport failures are reported here, never raised, so the agent
// loop's retry policy governs both identically.
type ExecutionResult struct {
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	ElapsedMs int64       `json:"elapsed_ms"`
}

// Provider is the external tool-provider collaborator boundary.
type Provider interface {
	Execute(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) ExecutionResult
}

// InputSchema renders the tool parameters as a JSON-Schema object suitable
// for LLM tool definitions.
func InputSchema(params []Parameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, p := range params {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
