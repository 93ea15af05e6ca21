package gateway

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

func TestRegistry_AddGetRemove(t *testing.T) {
	reg := newTestRegistry()
	conn := NewConnection("c1", &fakeSocket{})

	reg.Add(conn)
	assert.Equal(t, 1, reg.Count())

	got, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	reg.Remove("c1")
	assert.Equal(t, 0, reg.Count())
	_, ok = reg.Get("c1")
	assert.False(t, ok)
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	reg := newTestRegistry()
	reg.Remove("missing")
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_BindConversation(t *testing.T) {
	reg := newTestRegistry()
	conn := NewConnection("c1", &fakeSocket{})
	reg.Add(conn)
	reg.BindConversation("conv1", conn)

	got, ok := reg.GetByConversation("conv1")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, "conv1", conn.ConversationID)
}

func TestRegistry_ReconnectRebindsConversation(t *testing.T) {
	reg := newTestRegistry()
	first := NewConnection("c1", &fakeSocket{})
	reg.Add(first)
	reg.BindConversation("conv1", first)

	second := NewConnection("c2", &fakeSocket{})
	reg.Add(second)
	reg.BindConversation("conv1", second)

	got, ok := reg.GetByConversation("conv1")
	require.True(t, ok)
	assert.Same(t, second, got)

	// Removing the stale connection must not drop the rebound index.
	reg.Remove("c1")
	got, ok = reg.GetByConversation("conv1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistry_BindSession(t *testing.T) {
	reg := newTestRegistry()
	conn := NewConnection("c1", &fakeSocket{})
	reg.Add(conn)
	reg.BindSession("sess1", conn)

	got, ok := reg.GetBySession("sess1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	reg.Remove("c1")
	_, ok = reg.GetBySession("sess1")
	assert.False(t, ok)
}

func TestRegistry_All(t *testing.T) {
	reg := newTestRegistry()
	reg.Add(NewConnection("c1", &fakeSocket{}))
	reg.Add(NewConnection("c2", &fakeSocket{}))

	assert.Len(t, reg.All(), 2)
}
