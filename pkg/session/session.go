package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/agent"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusPending              Status = "pending"
	StatusActive               Status = "active"
	StatusAwaitingClientAction Status = "awaiting_client_action"
	StatusCompleted            Status = "completed"
	StatusExpired              Status = "expired"
	StatusTerminated           Status = "terminated"
)

// ErrInvalidTransition is returned when a command is issued against a status
// that does not permit it. The session is left unchanged.
var ErrInvalidTransition = errors.New("invalid session transition")

// EventType tags emitted session events.
type EventType string

const (
	EventStarted       EventType = "session_started"
	EventSuspended     EventType = "session_suspended"
	EventResumed       EventType = "session_resumed"
	EventItemCompleted EventType = "session_item_completed"
	EventCompleted     EventType = "session_completed"
	EventTerminated    EventType = "session_terminated"
	EventExpired       EventType = "session_expired"
)

// Event records a state transition. Events are returned by the transition
// functions alongside the next state; they are not stored with the session.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Session is the durable aggregate tracking one proactive interaction. It is
// a plain value: all transitions are value-receiver functions returning the
// next state plus the events the transition emitted, never mutating the
// receiver. Persistence and concurrency control live in Store.
type Session struct {
	ID                string                 `json:"id"`
	UserID            string                 `json:"user_id"`
	ConversationID    string                 `json:"conversation_id"`
	Type              string                 `json:"type"`
	Status            Status                 `json:"status"`
	CurrentItemID     string                 `json:"current_item_id,omitempty"`
	CompletedItems    []string               `json:"completed_items,omitempty"`
	UIState           map[string]interface{} `json:"ui_state,omitempty"`
	PendingAction     *agent.ClientAction    `json:"pending_action,omitempty"`
	Execution         *agent.ExecutionState  `json:"execution,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	TerminationReason string                 `json:"termination_reason,omitempty"`

	// Version implements optimistic concurrency in the store; it is bumped
	// on every successful save, never by transitions.
	Version int64 `json:"version"`
}

// New creates a pending session.
func New(id, userID, conversationID, sessionType string) Session {
	return Session{
		ID:             id,
		UserID:         userID,
		ConversationID: conversationID,
		Type:           sessionType,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Session) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusExpired, StatusTerminated:
		return true
	}
	return false
}

// CanAcceptResponse reports whether a client response may be applied.
func (s Session) CanAcceptResponse() bool {
	return s.Status == StatusAwaitingClientAction && s.PendingAction != nil
}

// CheckInvariant verifies pending_action is present exactly when the session
// awaits a client action, and that the execution snapshot travels with it.
func (s Session) CheckInvariant() error {
	awaiting := s.Status == StatusAwaitingClientAction
	if awaiting != (s.PendingAction != nil) {
		return fmt.Errorf("session %s: pending_action presence does not match status %s", s.ID, s.Status)
	}
	if awaiting != (s.Execution != nil) {
		return fmt.Errorf("session %s: execution snapshot presence does not match status %s", s.ID, s.Status)
	}
	return nil
}

// Start activates a pending session.
func (s Session) Start() (Session, []Event, error) {
	if s.Status != StatusPending {
		return s, nil, fmt.Errorf("%w: cannot start session in status %s", ErrInvalidTransition, s.Status)
	}
	now := time.Now().UTC()
	s.Status = StatusActive
	s.StartedAt = &now
	return s, []Event{{Type: EventStarted, SessionID: s.ID, At: now}}, nil
}

// Suspend records a pending client action and the execution snapshot needed
// to resume. Only an active session may suspend.
func (s Session) Suspend(action *agent.ClientAction, state *agent.ExecutionState) (Session, []Event, error) {
	if s.Status != StatusActive {
		return s, nil, fmt.Errorf("%w: cannot suspend session in status %s", ErrInvalidTransition, s.Status)
	}
	if action == nil || state == nil {
		return s, nil, fmt.Errorf("%w: suspend requires a client action and an execution snapshot", ErrInvalidTransition)
	}
	s.Status = StatusAwaitingClientAction
	s.PendingAction = action
	s.Execution = state
	return s, []Event{{Type: EventSuspended, SessionID: s.ID, At: time.Now().UTC()}}, nil
}

// AcceptResponse consumes the pending action after its tool call id has been
// matched. The execution snapshot is cleared with it: the loop either
// completes or re-suspends with a fresh one.
func (s Session) AcceptResponse(toolCallID string) (Session, []Event, error) {
	if !s.CanAcceptResponse() {
		return s, nil, fmt.Errorf("%w: session in status %s cannot accept a response", ErrInvalidTransition, s.Status)
	}
	if s.PendingAction.ToolCallID != toolCallID {
		return s, nil, fmt.Errorf("%w: response tool call id %s does not match pending action", ErrInvalidTransition, toolCallID)
	}
	s.Status = StatusActive
	s.PendingAction = nil
	s.Execution = nil
	return s, []Event{{Type: EventResumed, SessionID: s.ID, At: time.Now().UTC()}}, nil
}

// CompleteItem records a finished item. Only an active session may complete
// items.
func (s Session) CompleteItem(itemID string) (Session, []Event, error) {
	if s.Status != StatusActive {
		return s, nil, fmt.Errorf("%w: cannot complete item in status %s", ErrInvalidTransition, s.Status)
	}
	completed := make([]string, len(s.CompletedItems), len(s.CompletedItems)+1)
	copy(completed, s.CompletedItems)
	s.CompletedItems = append(completed, itemID)
	if s.CurrentItemID == itemID {
		s.CurrentItemID = ""
	}
	return s, []Event{{Type: EventItemCompleted, SessionID: s.ID, ItemID: itemID, At: time.Now().UTC()}}, nil
}

// Complete finishes an active session. Completing an already terminal
// session is a no-op; the bool reports whether the state changed.
func (s Session) Complete() (Session, []Event, bool, error) {
	if s.IsTerminal() {
		return s, nil, false, nil
	}
	if s.Status != StatusActive {
		return s, nil, false, fmt.Errorf("%w: cannot complete session in status %s", ErrInvalidTransition, s.Status)
	}
	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	return s, []Event{{Type: EventCompleted, SessionID: s.ID, At: now}}, true, nil
}

// Terminate ends the session from any non-terminal status. Terminating an
// already terminal session is a no-op; the bool reports whether the state
// changed.
func (s Session) Terminate(reason string) (Session, []Event, bool, error) {
	if s.IsTerminal() {
		return s, nil, false, nil
	}
	now := time.Now().UTC()
	s.Status = StatusTerminated
	s.TerminationReason = reason
	s.CompletedAt = &now
	s.PendingAction = nil
	s.Execution = nil
	return s, []Event{{Type: EventTerminated, SessionID: s.ID, Reason: reason, At: now}}, true, nil
}

// Expire times out an active session.
func (s Session) Expire() (Session, []Event, error) {
	if s.Status != StatusActive {
		return s, nil, fmt.Errorf("%w: cannot expire session in status %s", ErrInvalidTransition, s.Status)
	}
	now := time.Now().UTC()
	s.Status = StatusExpired
	s.CompletedAt = &now
	return s, []Event{{Type: EventExpired, SessionID: s.ID, At: now}}, nil
}
