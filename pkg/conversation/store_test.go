package conversation

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bvandewe/tools-provider-sub004/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestStore_AppendAndHistory(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append("conv1", agent.Message{Role: "user", Content: "hello"}))
	require.NoError(t, store.Append("conv1", agent.Message{Role: "assistant", Content: "hi there"}))
	require.NoError(t, store.Append("conv1", agent.Message{
		Role:       "tool",
		ToolCallID: "call_1",
		Content:    `{"ok":true}`,
	}))

	history, err := store.History("conv1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "call_1", history[2].ToolCallID)
}

func TestStore_History_MissingConversation(t *testing.T) {
	store := newTestStore(t)
	history, err := store.History("never-written")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_Append_Validation(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name string
		id   string
		msg  agent.Message
	}{
		{"empty id", "", agent.Message{Role: "user"}},
		{"path traversal", "../etc/passwd", agent.Message{Role: "user"}},
		{"path separator", "a/b", agent.Message{Role: "user"}},
		{"backslash", `a\b`, agent.Message{Role: "user"}},
		{"null byte", "a\x00b", agent.Message{Role: "user"}},
		{"missing role", "conv1", agent.Message{Content: "no role"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, store.Append(tt.id, tt.msg))
		})
	}
}

func TestStore_History_SkipsCorruptLines(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("conv1", agent.Message{Role: "user", Content: "first"}))

	// Inject a corrupt line and a role-less entry between valid writes.
	file, err := os.OpenFile(store.path("conv1"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = file.WriteString("{broken json\n")
	require.NoError(t, err)
	_, err = file.WriteString(`{"conversation_id":"conv1","message":{"content":"no role"}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	require.NoError(t, store.Append("conv1", agent.Message{Role: "assistant", Content: "second"}))

	history, err := store.History("conv1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "second", history[1].Content)
}

func TestStore_Repair(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("conv1", agent.Message{Role: "user", Content: "keep"}))

	file, err := os.OpenFile(store.path("conv1"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = file.WriteString("{broken\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	dropped, err := store.Repair("conv1")
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	// A second repair finds nothing to drop.
	dropped, err = store.Repair("conv1")
	require.NoError(t, err)
	assert.Zero(t, dropped)

	history, err := store.History("conv1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "keep", history[0].Content)
}

func TestStore_Repair_MissingConversation(t *testing.T) {
	store := newTestStore(t)
	dropped, err := store.Repair("missing")
	require.NoError(t, err)
	assert.Zero(t, dropped)
}

func TestStore_ExistsAndList(t *testing.T) {
	store := newTestStore(t)

	assert.False(t, store.Exists("conv1"))
	require.NoError(t, store.Append("conv2", agent.Message{Role: "user", Content: "b"}))
	require.NoError(t, store.Append("conv1", agent.Message{Role: "user", Content: "a"}))
	assert.True(t, store.Exists("conv1"))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"conv1", "conv2"}, ids)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("conv1", agent.Message{Role: "user", Content: "x"}))

	require.NoError(t, store.Delete("conv1"))
	assert.False(t, store.Exists("conv1"))

	// Deleting a missing transcript is not an error.
	require.NoError(t, store.Delete("conv1"))
}

func TestStore_ConcurrentAppends(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Append("conv1", agent.Message{Role: "user", Content: "m"}))
		}()
	}
	wg.Wait()

	history, err := store.History("conv1")
	require.NoError(t, err)
	assert.Len(t, history, 20)
}

func TestNewStore_DefaultsDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "conversations")
	store, err := NewStore(dir, zerolog.Nop())
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	require.NoError(t, store.Append("c", agent.Message{Role: "user", Content: "x"}))
}
