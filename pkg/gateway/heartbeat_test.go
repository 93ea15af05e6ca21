package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatMonitor_Tick_SendsPing(t *testing.T) {
	monitor := NewHeartbeatMonitor(time.Second, 0, zerolog.Nop())
	sock := &fakeSocket{}
	conn := openConnection(sock)

	closed := monitor.tick(conn)
	assert.False(t, closed)
	assert.Equal(t, 1, conn.MissedPongs())

	out := sock.lastMessage(t)
	assert.Equal(t, protocol.TypeHeartbeatPing, out.Type)
}

func TestHeartbeatMonitor_Tick_RespectsIdleThreshold(t *testing.T) {
	monitor := NewHeartbeatMonitor(time.Second, time.Hour, zerolog.Nop())
	sock := &fakeSocket{}
	conn := openConnection(sock)
	conn.Touch()

	closed := monitor.tick(conn)
	assert.False(t, closed)
	assert.Empty(t, sock.sent())
	assert.Equal(t, 0, conn.MissedPongs())
}

func TestHeartbeatMonitor_MissedPongBudget(t *testing.T) {
	monitor := NewHeartbeatMonitor(time.Second, 0, zerolog.Nop())
	sock := &fakeSocket{}
	conn := openConnection(sock)

	// Each of the three pings gets a full interval to be answered before
	// the budget closes the connection on the following tick.
	assert.False(t, monitor.tick(conn))
	assert.False(t, monitor.tick(conn))
	assert.False(t, monitor.tick(conn))
	assert.Len(t, sock.sent(), 3)

	assert.True(t, monitor.tick(conn), "three unanswered pings must close")
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, sock.closed, "heartbeat timeout must close the socket")
	assert.Len(t, sock.sent(), 3, "no ping goes out on the closing tick")
}

func TestHeartbeatMonitor_PongResetsBudget(t *testing.T) {
	monitor := NewHeartbeatMonitor(time.Second, 0, zerolog.Nop())
	sock := &fakeSocket{}
	conn := openConnection(sock)

	require.False(t, monitor.tick(conn))
	require.False(t, monitor.tick(conn))
	require.False(t, monitor.tick(conn))
	conn.MarkPongReceived()

	assert.False(t, monitor.tick(conn))
	assert.Equal(t, StateOpen, conn.State())
}

func TestHeartbeatMonitor_WriteFailureCloses(t *testing.T) {
	monitor := NewHeartbeatMonitor(time.Second, 0, zerolog.Nop())
	sock := &fakeSocket{writeErr: assert.AnError}
	conn := openConnection(sock)

	assert.True(t, monitor.tick(conn))
	assert.Equal(t, StateClosed, conn.State())
}

func TestPongHandler(t *testing.T) {
	conn := openConnection(&fakeSocket{})
	conn.MarkPingSent()
	conn.MarkPingSent()

	handler := PongHandler()
	msg := protocol.MustNewMessage(protocol.TypeHeartbeatPong, protocol.HeartbeatPayload{Seq: 2})
	require.NoError(t, handler(context.Background(), conn, msg))
	assert.Equal(t, 0, conn.MissedPongs())
}

func TestHeartbeatMonitor_Watch_StopsOnCancel(t *testing.T) {
	monitor := NewHeartbeatMonitor(10*time.Millisecond, time.Hour, zerolog.Nop())
	conn := openConnection(&fakeSocket{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Watch(ctx, conn)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after context cancel")
	}
}
