package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bvandewe/tools-provider-sub004/internal/observability"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a backend tool call when neither the definition nor
// the executor configures one.
const DefaultTimeout = 30 * time.Second

// Executor resolves tool calls: client tools become suspension signals,
// backend tools are delegated to the external provider.
type Executor struct {
	mu             sync.RWMutex
	tools          map[string]*Definition
	schemas        map[string]*gojsonschema.Schema
	clientTools    map[string]*ClientTool
	provider       Provider
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// New creates an executor delegating backend calls to provider.
func New(provider Provider, defaultTimeout time.Duration, logger zerolog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Executor{
		tools:          make(map[string]*Definition),
		schemas:        make(map[string]*gojsonschema.Schema),
		clientTools:    make(map[string]*ClientTool),
		provider:       provider,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// RegisterTool registers a backend tool definition.
func (e *Executor) RegisterTool(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	schemaDoc := InputSchema(def.Parameters)
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("failed to marshal schema for %s: %w", def.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.clientTools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered as a client tool", def.Name)
	}
	e.tools[def.Name] = &def
	e.schemas[def.Name] = schema

	e.logger.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// RegisterClientTool registers a tool that must render as a client widget.
func (e *Executor) RegisterClientTool(ct ClientTool) error {
	if ct.Name == "" {
		return fmt.Errorf("client tool name cannot be empty")
	}
	if ct.WidgetType == "" {
		return fmt.Errorf("client tool %s needs a widget type", ct.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[ct.Name]; exists {
		return fmt.Errorf("tool %s already registered as a backend tool", ct.Name)
	}
	e.clientTools[ct.Name] = &ct

	e.logger.Info().Str("tool", ct.Name).Str("widget", ct.WidgetType).Msg("Client tool registered")
	return nil
}

// IsClientTool reports whether name is in the client-tool registry.
func (e *Executor) IsClientTool(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.clientTools[name]
	return ok
}

// Resolve classifies a tool call. For client tools it returns a
// requires-suspension signal with the widget type and rendering props; no
// network call happens. Backend tools resolve to RequiresClient=false and
// are executed separately via Execute.
func (e *Executor) Resolve(name string, args map[string]interface{}) (Resolution, error) {
	e.mu.RLock()
	ct, isClient := e.clientTools[name]
	_, isBackend := e.tools[name]
	e.mu.RUnlock()

	if isClient {
		props := make(map[string]interface{}, len(ct.BaseProps)+len(args))
		for k, v := range ct.BaseProps {
			props[k] = v
		}
		for k, v := range args {
			props[k] = v
		}
		return Resolution{RequiresClient: true, WidgetType: ct.WidgetType, Props: props}, nil
	}
	if isBackend {
		return Resolution{}, nil
	}
	return Resolution{}, fmt.Errorf("tool not found: %s", name)
}

// Definitions returns the tool set visible to the LLM, filtered by policy.
// Client tools are included: the model must be able to request them even
// though the server never executes them.
func (e *Executor) Definitions(policy *Policy) []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	defs := make([]Definition, 0, len(e.tools)+len(e.clientTools))
	for _, def := range e.tools {
		if policy.IsAllowed(def.Name) {
			defs = append(defs, *def)
		}
	}
	for _, ct := range e.clientTools {
		if policy.IsAllowed(ct.Name) {
			defs = append(defs, Definition{
				Name:        ct.Name,
				Description: ct.Description,
				Parameters:  ct.Parameters,
			})
		}
	}
	return defs
}

// Execute runs a backend tool through the provider under its per-tool
// timeout. All failures come back as a failed ExecutionResult.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}) ExecutionResult {
	start := time.Now()

	e.mu.RLock()
	def := e.tools[name]
	schema := e.schemas[name]
	provider := e.provider
	e.mu.RUnlock()

	if def == nil {
		if e.IsClientTool(name) {
			return failed(start, fmt.Sprintf("tool %s requires client rendering and cannot be executed", name))
		}
		return failed(start, fmt.Sprintf("tool not found: %s", name))
	}
	if provider == nil {
		return failed(start, "no tool provider configured")
	}

	if err := validateArgs(schema, args); err != nil {
		return failed(start, fmt.Sprintf("argument validation failed: %v", err))
	}

	timeout := e.defaultTimeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}

	e.logger.Debug().Str("tool", name).Dur("timeout", timeout).Msg("Executing tool")

	result := provider.Execute(ctx, name, args, timeout)
	if result.ElapsedMs == 0 {
		result.ElapsedMs = time.Since(start).Milliseconds()
	}

	observability.RecordToolExecution(name, result.Success, time.Since(start))
	status := "success"
	if !result.Success {
		status = "failure"
	}
	observability.RecordToolAudit(name, "", status, map[string]interface{}{
		"elapsed_ms": result.ElapsedMs,
	})

	if !result.Success {
		e.logger.Warn().
			Str("tool", name).
			Str("error", result.Error).
			Int64("elapsed_ms", result.ElapsedMs).
			Msg("Tool execution failed")
	} else {
		e.logger.Debug().
			Str("tool", name).
			Int64("elapsed_ms", result.ElapsedMs).
			Msg("Tool execution completed")
	}

	return result
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		if errs := result.Errors(); len(errs) > 0 {
			return fmt.Errorf("%s", errs[0].String())
		}
		return fmt.Errorf("arguments do not match schema")
	}
	return nil
}

func failed(start time.Time, msg string) ExecutionResult {
	return ExecutionResult{
		Success:   false,
		Error:     msg,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}
