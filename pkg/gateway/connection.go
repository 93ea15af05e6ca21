package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
)

// State represents the lifecycle state of a client connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateIdle
	StateActive
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// legalTransitions is the full transition table. Closed is terminal: it has
// no outbound edges. Every non-closed state may jump straight to Closed.
var legalTransitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosing, StateClosed},
	StateOpen:       {StateIdle, StateActive, StateClosing, StateClosed},
	StateIdle:       {StateOpen, StateActive, StateClosing, StateClosed},
	StateActive:     {StateOpen, StateIdle, StateClosing, StateClosed},
	StateClosing:    {StateClosed},
	StateClosed:     {},
}

// Socket is the minimal transport surface a Connection writes to. A
// *websocket.Conn satisfies it; tests substitute an in-memory fake.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsTextMessage mirrors websocket.TextMessage without importing gorilla here.
const wsTextMessage = 1

// Connection is the ephemeral per-socket state. It is owned by the Registry:
// created on handshake, destroyed on close.
type Connection struct {
	ID             string
	UserID         string
	ConversationID string
	SessionID      string
	ConnectedAt    time.Time

	sock      Socket
	closeOnce sync.Once
	closeErr  error

	mu           sync.Mutex
	state        State
	seq          int64
	lastActivity time.Time
	lastPingAt   time.Time
	lastPongAt   time.Time
	missedPongs  int
}

// NewConnection creates a connection in the Connecting state.
func NewConnection(id string, sock Socket) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		ConnectedAt:  now,
		sock:         sock,
		state:        StateConnecting,
		lastActivity: now,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TransitionTo requests a lifecycle transition. Illegal requests return
// false and leave the state untouched; callers must check the result.
func (c *Connection) TransitionTo(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, allowed := range legalTransitions[c.state] {
		if allowed == next {
			c.state = next
			return true
		}
	}
	return false
}

// CanSend reports whether outbound traffic is allowed.
func (c *Connection) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen || c.state == StateIdle || c.state == StateActive
}

// CanReceive reports whether inbound traffic is allowed.
func (c *Connection) CanReceive() bool {
	return c.CanSend()
}

// Touch records inbound activity: bumps the sequence counter and the
// last-activity timestamp. Called unconditionally before any handler runs.
func (c *Connection) Touch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.lastActivity = time.Now()
	return c.seq
}

// Seq returns the inbound message sequence counter.
func (c *Connection) Seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// LastActivity returns the last inbound activity timestamp.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IdleFor reports how long the connection has been without inbound traffic.
func (c *Connection) IdleFor() time.Duration {
	return time.Since(c.LastActivity())
}

// MarkPingSent records an outstanding ping and returns the number of pings
// not yet answered by a pong.
func (c *Connection) MarkPingSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingAt = time.Now()
	c.missedPongs++
	return c.missedPongs
}

// MarkPongReceived clears the missed-pong counter.
func (c *Connection) MarkPongReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPongAt = time.Now()
	c.missedPongs = 0
}

// MissedPongs returns the consecutive missed-pong count.
func (c *Connection) MissedPongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missedPongs
}

// Send writes an envelope to the socket. Sends are serialized per
// connection and refused outside sendable states.
func (c *Connection) Send(msg *protocol.Message) error {
	if !c.CanSend() {
		return fmt.Errorf("connection %s cannot send in state %s", c.ID, c.State())
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sock.WriteMessage(wsTextMessage, data); err != nil {
		return fmt.Errorf("failed to write to connection %s: %w", c.ID, err)
	}
	return nil
}

// Close forces the connection into Closed and closes the socket. Safe to
// call from any state, including repeatedly, and regardless of whether the
// state machine already reached Closed.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	sock := c.sock
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closeErr = sock.Close()
	})
	return c.closeErr
}
