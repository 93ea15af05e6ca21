package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bvandewe/tools-provider-sub004/internal/observability"
	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
	"github.com/rs/zerolog"
)

// Handler processes one inbound envelope for a connection.
type Handler interface {
	Process(ctx context.Context, conn *Connection, msg *protocol.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *Connection, msg *protocol.Message) error

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, conn *Connection, msg *protocol.Message) error {
	return f(ctx, conn, msg)
}

// DomainError marks an error that should surface to the client as a
// control-plane session error rather than a rejection.
type DomainError struct {
	Code      string
	SessionID string
	Err       error
}

// Error implements the error interface.
func (e *DomainError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error.
func (e *DomainError) Unwrap() error { return e.Err }

// Router validates inbound envelopes and dispatches them to the handler
// registered for their exact message type. The handler map is populated at
// startup; there is no runtime scanning.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   zerolog.Logger
}

// NewRouter creates a router with no handlers registered.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a message type to a handler.
func (r *Router) Register(msgType string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", msgType)
	}
	if _, err := protocol.PlaneOf(msgType); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
	return nil
}

// RegisterFunc binds a message type to a handler function.
func (r *Router) RegisterFunc(msgType string, f HandlerFunc) error {
	return r.Register(msgType, f)
}

// Has reports whether a handler is registered for msgType.
func (r *Router) Has(msgType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[msgType]
	return ok
}

// Dispatch runs one raw inbound frame through the full pipeline: parse,
// liveness bookkeeping, schema validation, handler lookup, error
// translation. It never panics the read loop; every failure becomes an
// outbound protocol message.
func (r *Router) Dispatch(ctx context.Context, conn *Connection, raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		r.reject(conn, "", err.Error())
		return
	}

	// Liveness tracking runs before business logic so it stays correct even
	// when the handler fails.
	conn.Touch()
	observability.RecordMessage(msg.Type)

	if !conn.CanReceive() {
		r.reject(conn, msg.ID, fmt.Sprintf("connection in state %s does not accept messages", conn.State()))
		return
	}

	if err := protocol.ValidatePayload(msg); err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			r.reject(conn, verr.MessageID, verr.Reason)
		} else {
			r.reject(conn, msg.ID, err.Error())
		}
		return
	}

	r.mu.RLock()
	handler, exists := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !exists {
		// Unregistered types are acknowledged, never dropped silently.
		r.logger.Debug().
			Str("connection_id", conn.ID).
			Str("type", msg.Type).
			Msg("No handler registered, acknowledging")
		r.ack(conn, msg.ID)
		return
	}

	if err := handler.Process(ctx, conn, msg); err != nil {
		r.sendDomainError(conn, msg, err)
	}
}

func (r *Router) reject(conn *Connection, messageID, reason string) {
	observability.RecordMessageRejected()
	r.logger.Warn().
		Str("connection_id", conn.ID).
		Str("message_id", messageID).
		Str("reason", reason).
		Msg("Message rejected")

	out := protocol.MustNewMessage(protocol.TypeMessageRejected, protocol.MessageRejectedPayload{
		MessageID: messageID,
		Reason:    reason,
	})
	if err := conn.Send(out); err != nil {
		r.logger.Error().Err(err).Str("connection_id", conn.ID).Msg("Failed to send rejection")
	}
}

func (r *Router) ack(conn *Connection, messageID string) {
	out := protocol.MustNewMessage(protocol.TypeMessageAck, protocol.MessageAckPayload{
		MessageID: messageID,
	})
	if err := conn.Send(out); err != nil {
		r.logger.Error().Err(err).Str("connection_id", conn.ID).Msg("Failed to send ack")
	}
}

func (r *Router) sendDomainError(conn *Connection, msg *protocol.Message, err error) {
	payload := protocol.SessionErrorPayload{
		Code:    "internal_error",
		Message: err.Error(),
	}

	var derr *DomainError
	if errors.As(err, &derr) {
		payload.Code = derr.Code
		payload.SessionID = derr.SessionID
	}

	r.logger.Warn().
		Err(err).
		Str("connection_id", conn.ID).
		Str("message_id", msg.ID).
		Str("type", msg.Type).
		Str("code", payload.Code).
		Msg("Handler returned error")

	out := protocol.MustNewMessage(protocol.TypeSessionError, payload)
	if sendErr := conn.Send(out); sendErr != nil {
		r.logger.Error().Err(sendErr).Str("connection_id", conn.ID).Msg("Failed to send session error")
	}
}
