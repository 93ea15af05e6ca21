package gateway

import (
	"context"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
	"github.com/rs/zerolog"
)

// maxMissedPongs is the consecutive missed-pong budget before a connection
// is forced closed.
const maxMissedPongs = 3

// HeartbeatMonitor sends protocol-level pings on an idle timer and closes
// connections that stop answering.
type HeartbeatMonitor struct {
	interval  time.Duration
	idleAfter time.Duration
	logger    zerolog.Logger
}

// NewHeartbeatMonitor creates a monitor. interval is the ping cadence;
// idleAfter is how long a connection must be quiet before pings start.
func NewHeartbeatMonitor(interval, idleAfter time.Duration, logger zerolog.Logger) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if idleAfter < 0 {
		idleAfter = 0
	}
	return &HeartbeatMonitor{
		interval:  interval,
		idleAfter: idleAfter,
		logger:    logger,
	}
}

// Watch runs the heartbeat loop for one connection until the context is
// cancelled or the connection closes. It is the single owner of the
// heartbeat timeout: when the missed-pong budget is exhausted it fires
// exactly one terminal action (Closing then Closed).
func (h *HeartbeatMonitor) Watch(ctx context.Context, conn *Connection) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.State() == StateClosed {
				return
			}
			if h.tick(conn) {
				return
			}
		}
	}
}

// tick enforces the missed-pong budget and sends one ping if the connection
// is idle. The budget is checked before a new ping goes out: a ping counts
// as missed only once a full interval has passed without a pong answering it.
// Returns true when the connection was closed.
func (h *HeartbeatMonitor) tick(conn *Connection) bool {
	if !conn.CanSend() {
		return false
	}

	if missed := conn.MissedPongs(); missed >= maxMissedPongs {
		h.logger.Info().
			Str("connection_id", conn.ID).
			Int("missed_pongs", missed).
			Msg("Heartbeat timeout, closing connection")
		h.forceClose(conn)
		return true
	}

	if conn.IdleFor() < h.idleAfter {
		return false
	}

	ping := protocol.MustNewMessage(protocol.TypeHeartbeatPing, protocol.HeartbeatPayload{
		Seq: conn.Seq(),
	})
	if err := conn.Send(ping); err != nil {
		h.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("Heartbeat ping failed")
		h.forceClose(conn)
		return true
	}

	conn.MarkPingSent()
	return false
}

func (h *HeartbeatMonitor) forceClose(conn *Connection) {
	conn.TransitionTo(StateClosing)
	conn.TransitionTo(StateClosed)
	if err := conn.Close(); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("Socket close failed")
	}
}

// PongHandler clears a connection's missed-pong counter. Registered on the
// router for system.heartbeat.pong.
func PongHandler() HandlerFunc {
	return func(_ context.Context, conn *Connection, _ *protocol.Message) error {
		conn.MarkPongReceived()
		return nil
	}
}
