package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/stream"
)

func TestMemoryStore_AppendAndHistory(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	ctx := context.Background()

	err := store.Append(ctx, stream.NewChatMessage("", "sess-1", stream.RoleUser, "hello"))
	require.NoError(t, err)
	err = store.Append(ctx, stream.NewChatMessage("", "sess-1", stream.RoleAssistant, "hi!"))
	require.NoError(t, err)

	history, err := store.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, stream.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, stream.RoleAssistant, history[1].Role)
	assert.NotEmpty(t, history[0].ID, "Append should assign an id")
	assert.False(t, history[0].CreatedAt.IsZero())
}

func TestMemoryStore_HistoryUnknownSession(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	history, err := store.History(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryStore_SessionsIsolated(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, stream.NewChatMessage("", "a", stream.RoleUser, "in a")))
	require.NoError(t, store.Append(ctx, stream.NewChatMessage("", "b", stream.RoleUser, "in b")))

	historyA, err := store.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, historyA, 1)
	assert.Equal(t, "in a", historyA[0].Content)
}

func TestMemoryStore_CapEvictsOldest(t *testing.T) {
	store := NewMemoryStore(3)
	defer store.Close()
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, store.Append(ctx, stream.NewChatMessage("", "s", stream.RoleUser, content)))
	}

	history, err := store.History(ctx, "s")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "two", history[0].Content)
	assert.Equal(t, "four", history[2].Content)
}

func TestMemoryStore_CorrelationID(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	ctx := context.Background()

	id, err := store.CorrelationID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, id, "unknown session has no correlation id")

	require.NoError(t, store.SetCorrelationID(ctx, "sess-1", "up-42"))

	id, err = store.CorrelationID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "up-42", id)

	// Later status frames overwrite
	require.NoError(t, store.SetCorrelationID(ctx, "sess-1", "up-43"))
	id, err = store.CorrelationID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "up-43", id)
}

func TestMemoryStore_HistoryCopyIsStable(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, stream.NewChatMessage("", "s", stream.RoleUser, "first")))

	history, err := store.History(ctx, "s")
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, stream.NewChatMessage("", "s", stream.RoleUser, "second")))
	assert.Len(t, history, 1, "earlier History snapshot must not grow")
}
