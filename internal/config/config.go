// Package config defines the daemon configuration and its loading rules.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server       ServerConfig       `json:"server" mapstructure:"server"`
	Agent        AgentConfig        `json:"agent" mapstructure:"agent"`
	Providers    []ProviderProfile  `json:"providers" mapstructure:"providers"`
	Tools        ToolsConfig        `json:"tools" mapstructure:"tools"`
	Session      SessionConfig      `json:"session" mapstructure:"session"`
	Conversation ConversationConfig `json:"conversation" mapstructure:"conversation"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	DataDir      string             `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds the WebSocket gateway settings.
type ServerConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	HeartbeatInterval int    `json:"heartbeat_interval" mapstructure:"heartbeat_interval"` // seconds
	IdleAfter         int    `json:"idle_after" mapstructure:"idle_after"`                 // seconds
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentConfig bounds agent runs.
type AgentConfig struct {
	Model                    string           `json:"model" mapstructure:"model"`
	Temperature              float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens                int              `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt             string           `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations            int              `json:"max_iterations" mapstructure:"max_iterations"`
	MaxToolCallsPerIteration int              `json:"max_tool_calls_per_iteration" mapstructure:"max_tool_calls_per_iteration"`
	ToolChoice               string           `json:"tool_choice" mapstructure:"tool_choice"`
	StopOnError              bool             `json:"stop_on_error" mapstructure:"stop_on_error"`
	RetryOnError             bool             `json:"retry_on_error" mapstructure:"retry_on_error"`
	MaxRetries               int              `json:"max_retries" mapstructure:"max_retries"`
	TimeoutSeconds           int              `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Streaming                bool             `json:"streaming" mapstructure:"streaming"`
	ToolPolicy               ToolPolicyConfig `json:"tool_policy" mapstructure:"tool_policy"`
}

// ToolPolicyConfig whitelists/blacklists tools visible to the model.
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// ProviderProfile is one LLM credential.
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolsConfig configures the tool executor and its external provider.
type ToolsConfig struct {
	ProviderURL    string             `json:"provider_url" mapstructure:"provider_url"`
	DefaultTimeout int                `json:"default_timeout" mapstructure:"default_timeout"` // seconds
	Backend        []ToolDefinition   `json:"backend" mapstructure:"backend"`
	Client         []ClientToolConfig `json:"client" mapstructure:"client"`
}

// ToolDefinition declares one backend tool.
type ToolDefinition struct {
	Name        string                `json:"name" mapstructure:"name"`
	Description string                `json:"description" mapstructure:"description"`
	Timeout     int                   `json:"timeout" mapstructure:"timeout"` // seconds
	Parameters  []ParameterDefinition `json:"parameters" mapstructure:"parameters"`
}

// ClientToolConfig declares one client-rendered tool.
type ClientToolConfig struct {
	Name        string                 `json:"name" mapstructure:"name"`
	Description string                 `json:"description" mapstructure:"description"`
	WidgetType  string                 `json:"widget_type" mapstructure:"widget_type"`
	Parameters  []ParameterDefinition  `json:"parameters" mapstructure:"parameters"`
	BaseProps   map[string]interface{} `json:"base_props" mapstructure:"base_props"`
}

// ParameterDefinition declares one tool parameter.
type ParameterDefinition struct {
	Name        string   `json:"name" mapstructure:"name"`
	Type        string   `json:"type" mapstructure:"type"`
	Description string   `json:"description" mapstructure:"description"`
	Required    bool     `json:"required" mapstructure:"required"`
	Enum        []string `json:"enum" mapstructure:"enum"`
}

// SessionConfig configures the session store and expiry sweeper.
type SessionConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	TTLMinutes    int    `json:"ttl_minutes" mapstructure:"ttl_minutes"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron expression
}

// TTL returns the stale threshold.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// ConversationConfig configures the transcript store.
type ConversationConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			HeartbeatInterval: 30,
			IdleAfter:         60,
		},
		Agent: AgentConfig{
			Model:                    "claude-3-5-sonnet-20241022",
			Temperature:              0.7,
			MaxTokens:                4096,
			MaxIterations:            10,
			MaxToolCallsPerIteration: 5,
			ToolChoice:               "auto",
			RetryOnError:             true,
			MaxRetries:               3,
			TimeoutSeconds:           300,
			Streaming:                true,
			ToolPolicy: ToolPolicyConfig{
				Allow: []string{"*"},
			},
		},
		Tools: ToolsConfig{
			DefaultTimeout: 30,
		},
		Session: SessionConfig{
			TTLMinutes:    60,
			SweepSchedule: "*/5 * * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the configuration for startup-blocking mistakes.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("no LLM credentials configured: at least one provider profile is required")
	}
	for i, profile := range c.Providers {
		if profile.ID == "" {
			return fmt.Errorf("provider profile %d: id is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("provider profile %s: api_key is required", profile.ID)
		}
		switch profile.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("provider profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max_iterations must be positive")
	}
	switch c.Agent.ToolChoice {
	case "", "auto", "none":
	default:
		return fmt.Errorf("invalid tool_choice %q (must be: auto, none)", c.Agent.ToolChoice)
	}

	for i, tool := range c.Tools.Backend {
		if tool.Name == "" {
			return fmt.Errorf("backend tool %d: name is required", i)
		}
	}
	for i, tool := range c.Tools.Client {
		if tool.Name == "" {
			return fmt.Errorf("client tool %d: name is required", i)
		}
		if tool.WidgetType == "" {
			return fmt.Errorf("client tool %s: widget_type is required", tool.Name)
		}
	}
	if len(c.Tools.Backend) > 0 && c.Tools.ProviderURL == "" {
		return fmt.Errorf("tools provider_url is required when backend tools are configured")
	}

	return nil
}
