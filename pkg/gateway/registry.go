package gateway

import (
	"sync"

	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
	"github.com/rs/zerolog"
)

// Registry tracks live connections and maps conversation/session identifiers
// onto them. It is the only owner of Connection lifetimes.
type Registry struct {
	mu             sync.RWMutex
	byID           map[string]*Connection
	byConversation map[string]string
	bySession      map[string]string
	logger         zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byID:           make(map[string]*Connection),
		byConversation: make(map[string]string),
		bySession:      make(map[string]string),
		logger:         logger,
	}
}

// Add registers a connection.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[conn.ID] = conn
}

// Remove drops a connection and its conversation/session bindings.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.byID[connID]
	if !exists {
		return
	}
	delete(r.byID, connID)
	if conn.ConversationID != "" && r.byConversation[conn.ConversationID] == connID {
		delete(r.byConversation, conn.ConversationID)
	}
	if conn.SessionID != "" && r.bySession[conn.SessionID] == connID {
		delete(r.bySession, conn.SessionID)
	}
}

// Get retrieves a connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, exists := r.byID[connID]
	return conn, exists
}

// BindConversation points a conversation id at a connection. A reconnect
// carrying a known conversation id rebinds the index to the new connection.
func (r *Registry) BindConversation(conversationID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.ConversationID = conversationID
	r.byConversation[conversationID] = conn.ID
}

// BindSession points a session id at a connection.
func (r *Registry) BindSession(sessionID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.SessionID = sessionID
	r.bySession[sessionID] = conn.ID
}

// GetByConversation resolves the connection currently bound to a conversation.
func (r *Registry) GetByConversation(conversationID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byConversation[conversationID]
	if !ok {
		return nil, false
	}
	conn, exists := r.byID[connID]
	return conn, exists
}

// GetBySession resolves the connection currently bound to a session.
func (r *Registry) GetBySession(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	conn, exists := r.byID[connID]
	return conn, exists
}

// All returns a snapshot of every tracked connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Broadcast sends an envelope to every connection that can currently send.
func (r *Registry) Broadcast(msg *protocol.Message) {
	for _, conn := range r.All() {
		if !conn.CanSend() {
			continue
		}
		if err := conn.Send(msg); err != nil {
			r.logger.Warn().
				Err(err).
				Str("connection_id", conn.ID).
				Str("type", msg.Type).
				Msg("Broadcast send failed")
		}
	}
}
