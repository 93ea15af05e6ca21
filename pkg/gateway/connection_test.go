package gateway

import (
	"sync"
	"testing"

	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket records frames written to it.
type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closed   bool
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeSocket) lastMessage(t *testing.T) *protocol.Message {
	t.Helper()
	frames := f.sent()
	require.NotEmpty(t, frames)
	msg, err := protocol.Parse(frames[len(frames)-1])
	require.NoError(t, err)
	return msg
}

func TestConnection_LegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"handshake", []State{StateOpen}},
		{"open to idle and back", []State{StateOpen, StateIdle, StateOpen}},
		{"open to active to idle", []State{StateOpen, StateActive, StateIdle}},
		{"graceful close", []State{StateOpen, StateClosing, StateClosed}},
		{"abort during handshake", []State{StateClosing, StateClosed}},
		{"direct close", []State{StateOpen, StateClosed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := NewConnection("c1", &fakeSocket{})
			for _, next := range tt.path {
				assert.True(t, conn.TransitionTo(next), "transition to %s", next)
			}
		})
	}
}

func TestConnection_IllegalTransitions(t *testing.T) {
	conn := NewConnection("c1", &fakeSocket{})

	// Connecting cannot jump straight to Active or Idle.
	assert.False(t, conn.TransitionTo(StateActive))
	assert.False(t, conn.TransitionTo(StateIdle))
	assert.Equal(t, StateConnecting, conn.State())

	require.True(t, conn.TransitionTo(StateOpen))
	require.True(t, conn.TransitionTo(StateClosing))

	// Closing only goes to Closed.
	assert.False(t, conn.TransitionTo(StateOpen))
	assert.False(t, conn.TransitionTo(StateActive))
	assert.Equal(t, StateClosing, conn.State())
}

func TestConnection_ClosedIsTerminal(t *testing.T) {
	conn := NewConnection("c1", &fakeSocket{})
	require.True(t, conn.TransitionTo(StateOpen))
	require.True(t, conn.TransitionTo(StateClosed))

	for _, next := range []State{StateConnecting, StateOpen, StateIdle, StateActive, StateClosing, StateClosed} {
		assert.False(t, conn.TransitionTo(next), "closed must not transition to %s", next)
	}
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnection_Touch(t *testing.T) {
	conn := NewConnection("c1", &fakeSocket{})
	assert.Equal(t, int64(0), conn.Seq())

	before := conn.LastActivity()
	assert.Equal(t, int64(1), conn.Touch())
	assert.Equal(t, int64(2), conn.Touch())
	assert.Equal(t, int64(2), conn.Seq())
	assert.False(t, conn.LastActivity().Before(before))
}

func TestConnection_Send(t *testing.T) {
	sock := &fakeSocket{}
	conn := NewConnection("c1", sock)

	msg := protocol.MustNewMessage(protocol.TypeHeartbeatPing, protocol.HeartbeatPayload{Seq: 1})

	// Connecting refuses sends.
	assert.Error(t, conn.Send(msg))

	require.True(t, conn.TransitionTo(StateOpen))
	require.NoError(t, conn.Send(msg))
	assert.Len(t, sock.sent(), 1)

	require.True(t, conn.TransitionTo(StateClosing))
	assert.Error(t, conn.Send(msg))
}

func TestConnection_PongBookkeeping(t *testing.T) {
	conn := NewConnection("c1", &fakeSocket{})

	assert.Equal(t, 1, conn.MarkPingSent())
	assert.Equal(t, 2, conn.MarkPingSent())
	assert.Equal(t, 2, conn.MissedPongs())

	conn.MarkPongReceived()
	assert.Equal(t, 0, conn.MissedPongs())
}

func TestConnection_Close_AfterForcedTransition(t *testing.T) {
	sock := &fakeSocket{}
	conn := NewConnection("c1", sock)
	require.True(t, conn.TransitionTo(StateOpen))

	// Teardown paths drive the state machine to Closed before releasing the
	// socket; the socket must still be closed.
	require.True(t, conn.TransitionTo(StateClosing))
	require.True(t, conn.TransitionTo(StateClosed))

	require.NoError(t, conn.Close())
	assert.True(t, sock.closed)
}

func TestConnection_CloseIdempotent(t *testing.T) {
	sock := &fakeSocket{}
	conn := NewConnection("c1", sock)
	require.True(t, conn.TransitionTo(StateOpen))

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, sock.closed)

	require.NoError(t, conn.Close())
}
