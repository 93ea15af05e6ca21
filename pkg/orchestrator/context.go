package orchestrator

import (
	"context"
	"sync"
)

// ConversationContext is the in-memory state bound to one connection:
// conversation/session identifiers, the model override, the pause flag and
// the cancel handle for an in-flight run. Flow-control and model-switch
// requests mutate only this context, never the persisted session, except
// where they force a session state transition.
type ConversationContext struct {
	ConnectionID   string
	ConversationID string

	mu        sync.Mutex
	sessionID string
	model     string
	paused    bool
	running   bool
	cancelRun context.CancelFunc
}

// NewConversationContext binds a conversation to a connection.
func NewConversationContext(connectionID, conversationID string) *ConversationContext {
	return &ConversationContext{
		ConnectionID:   connectionID,
		ConversationID: conversationID,
	}
}

// SessionID returns the bound session id, if any.
func (c *ConversationContext) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// BindSession attaches a session to the context.
func (c *ConversationContext) BindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Model returns the model override, or empty when the default applies.
func (c *ConversationContext) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel switches the model for subsequent turns.
func (c *ConversationContext) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Paused reports whether new turns are paused.
func (c *ConversationContext) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetPaused toggles the pause flag.
func (c *ConversationContext) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// BeginRun claims the context's single run slot and derives a cancelable
// context for the run. It returns false when a run is already in flight.
func (c *ConversationContext) BeginRun(parent context.Context) (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, false
	}
	runCtx, cancel := context.WithCancel(parent)
	c.running = true
	c.cancelRun = cancel
	return runCtx, true
}

// EndRun releases the run slot.
func (c *ConversationContext) EndRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.running = false
}

// CancelRun interrupts an in-flight run. The loop observes the cancellation
// between tool calls; canceling when no run is in flight is a no-op.
func (c *ConversationContext) CancelRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.cancelRun == nil {
		return false
	}
	c.cancelRun()
	return true
}

// Running reports whether a run is in flight.
func (c *ConversationContext) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
