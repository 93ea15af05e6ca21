package toolexec

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider returns canned results and records calls.
type stubProvider struct {
	result  ExecutionResult
	calls   []string
	timeout time.Duration
}

func (s *stubProvider) Execute(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) ExecutionResult {
	s.calls = append(s.calls, name)
	s.timeout = timeout
	return s.result
}

func newTestExecutor(provider Provider) *Executor {
	return New(provider, 5*time.Second, zerolog.Nop())
}

func weatherTool() Definition {
	return Definition{
		Name:        "get_weather",
		Description: "Fetch the weather for a city",
		Parameters: []Parameter{
			{Name: "city", Type: "string", Description: "City name", Required: true},
			{Name: "unit", Type: "string", Description: "Temperature unit", Enum: []string{"celsius", "fahrenheit"}},
		},
	}
}

func choiceTool() ClientTool {
	return ClientTool{
		Name:        "present_choices",
		Description: "Ask the user to pick an option",
		WidgetType:  "choice_list",
		Parameters: []Parameter{
			{Name: "options", Type: "array", Description: "Options to present", Required: true},
		},
		BaseProps: map[string]interface{}{"style": "buttons"},
	}
}

func TestExecutor_RegisterTool(t *testing.T) {
	e := newTestExecutor(&stubProvider{})

	require.NoError(t, e.RegisterTool(weatherTool()))
	assert.Error(t, e.RegisterTool(Definition{}), "empty name must fail")

	require.NoError(t, e.RegisterClientTool(choiceTool()))
	assert.Error(t, e.RegisterTool(Definition{Name: "present_choices"}), "name collision with client tool")
	assert.Error(t, e.RegisterClientTool(ClientTool{Name: "get_weather", WidgetType: "x"}), "name collision with backend tool")
	assert.Error(t, e.RegisterClientTool(ClientTool{Name: "bad"}), "client tool needs a widget type")
}

func TestExecutor_IsClientTool(t *testing.T) {
	e := newTestExecutor(&stubProvider{})
	require.NoError(t, e.RegisterTool(weatherTool()))
	require.NoError(t, e.RegisterClientTool(choiceTool()))

	assert.True(t, e.IsClientTool("present_choices"))
	assert.False(t, e.IsClientTool("get_weather"))
	assert.False(t, e.IsClientTool("missing"))
}

func TestExecutor_Resolve(t *testing.T) {
	e := newTestExecutor(&stubProvider{})
	require.NoError(t, e.RegisterTool(weatherTool()))
	require.NoError(t, e.RegisterClientTool(choiceTool()))

	t.Run("client tool merges base props and arguments", func(t *testing.T) {
		res, err := e.Resolve("present_choices", map[string]interface{}{
			"options": []string{"a", "b"},
		})
		require.NoError(t, err)
		assert.True(t, res.RequiresClient)
		assert.Equal(t, "choice_list", res.WidgetType)
		assert.Equal(t, "buttons", res.Props["style"])
		assert.Equal(t, []string{"a", "b"}, res.Props["options"])
	})

	t.Run("arguments override base props", func(t *testing.T) {
		res, err := e.Resolve("present_choices", map[string]interface{}{"style": "cards"})
		require.NoError(t, err)
		assert.Equal(t, "cards", res.Props["style"])
	})

	t.Run("backend tool", func(t *testing.T) {
		res, err := e.Resolve("get_weather", nil)
		require.NoError(t, err)
		assert.False(t, res.RequiresClient)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := e.Resolve("missing", nil)
		assert.Error(t, err)
	})
}

func TestExecutor_Definitions_PolicyFilter(t *testing.T) {
	e := newTestExecutor(&stubProvider{})
	require.NoError(t, e.RegisterTool(weatherTool()))
	require.NoError(t, e.RegisterClientTool(choiceTool()))

	names := func(defs []Definition) []string {
		out := make([]string, 0, len(defs))
		for _, d := range defs {
			out = append(out, d.Name)
		}
		return out
	}

	t.Run("nil policy allows all", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"get_weather", "present_choices"}, names(e.Definitions(nil)))
	})

	t.Run("wildcard allow", func(t *testing.T) {
		defs := e.Definitions(&Policy{Allow: []string{"*"}})
		assert.ElementsMatch(t, []string{"get_weather", "present_choices"}, names(defs))
	})

	t.Run("deny overrides allow", func(t *testing.T) {
		defs := e.Definitions(&Policy{Allow: []string{"*"}, Deny: []string{"get_weather"}})
		assert.ElementsMatch(t, []string{"present_choices"}, names(defs))
	})

	t.Run("explicit allow list", func(t *testing.T) {
		defs := e.Definitions(&Policy{Allow: []string{"get_weather"}})
		assert.ElementsMatch(t, []string{"get_weather"}, names(defs))
	})
}

func TestExecutor_Execute(t *testing.T) {
	provider := &stubProvider{result: ExecutionResult{Success: true, Result: "sunny", ElapsedMs: 12}}
	e := newTestExecutor(provider)
	require.NoError(t, e.RegisterTool(weatherTool()))
	require.NoError(t, e.RegisterClientTool(choiceTool()))

	t.Run("success", func(t *testing.T) {
		result := e.Execute(context.Background(), "get_weather", map[string]interface{}{"city": "Paris"})
		assert.True(t, result.Success)
		assert.Equal(t, "sunny", result.Result)
		assert.Equal(t, []string{"get_weather"}, provider.calls)
	})

	t.Run("argument validation", func(t *testing.T) {
		result := e.Execute(context.Background(), "get_weather", map[string]interface{}{})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "validation")
	})

	t.Run("enum validation", func(t *testing.T) {
		result := e.Execute(context.Background(), "get_weather", map[string]interface{}{
			"city": "Paris",
			"unit": "kelvin",
		})
		assert.False(t, result.Success)
	})

	t.Run("unknown tool", func(t *testing.T) {
		result := e.Execute(context.Background(), "missing", nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "not found")
	})

	t.Run("client tool refuses execution", func(t *testing.T) {
		result := e.Execute(context.Background(), "present_choices", nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "client rendering")
	})
}

func TestExecutor_Execute_NoProvider(t *testing.T) {
	e := newTestExecutor(nil)
	require.NoError(t, e.RegisterTool(weatherTool()))

	result := e.Execute(context.Background(), "get_weather", map[string]interface{}{"city": "Paris"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no tool provider")
}

func TestExecutor_Execute_PerToolTimeout(t *testing.T) {
	provider := &stubProvider{result: ExecutionResult{Success: true}}
	e := newTestExecutor(provider)

	def := weatherTool()
	def.Timeout = 2 * time.Second
	require.NoError(t, e.RegisterTool(def))

	e.Execute(context.Background(), "get_weather", map[string]interface{}{"city": "Paris"})
	assert.Equal(t, 2*time.Second, provider.timeout)
}

func TestInputSchema(t *testing.T) {
	schema := InputSchema(weatherTool().Parameters)

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"city"}, schema["required"])

	props := schema["properties"].(map[string]interface{})
	unit := props["unit"].(map[string]interface{})
	assert.Equal(t, []string{"celsius", "fahrenheit"}, unit["enum"])
}

func TestPolicy_IsAllowed(t *testing.T) {
	tests := []struct {
		name   string
		policy *Policy
		tool   string
		want   bool
	}{
		{"nil policy", nil, "anything", true},
		{"wildcard allow", &Policy{Allow: []string{"*"}}, "get_weather", true},
		{"explicit allow", &Policy{Allow: []string{"get_weather"}}, "get_weather", true},
		{"not listed", &Policy{Allow: []string{"get_weather"}}, "other", false},
		{"deny wins", &Policy{Allow: []string{"*"}, Deny: []string{"get_weather"}}, "get_weather", false},
		{"wildcard deny", &Policy{Allow: []string{"*"}, Deny: []string{"*"}}, "get_weather", false},
		{"empty policy denies", &Policy{}, "get_weather", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.IsAllowed(tt.tool))
		})
	}
}
