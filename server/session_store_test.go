package server_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/server"
	"github.com/agentfabric/runtime/types"
)

func newSessionStore(t *testing.T, maxSessions, maxHistory int) server.SessionStore {
	t.Helper()
	storage := server.NewInMemoryStorage(zap.NewNop())
	return server.NewDefaultSessionStore(zap.NewNop(), storage, maxSessions, maxHistory)
}

func TestSessionStoreGetOrCreate(t *testing.T) {
	store := newSessionStore(t, 10, 100)

	session, err := store.GetOrCreate("session-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", session.ID)
	assert.Empty(t, session.History)

	again, err := store.GetOrCreate("session-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)
	assert.Len(t, store.SessionIDs(), 1)
}

func TestSessionStoreAppendAndSnapshot(t *testing.T) {
	store := newSessionStore(t, 10, 100)

	err := store.Append("session-1",
		types.ChatTurn{Role: types.ChatRoleUser, Content: "hello"},
		types.ChatTurn{Role: types.ChatRoleAssistant, Content: "hi there"},
	)
	require.NoError(t, err)

	history, err := store.Snapshot("session-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.ChatRoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, types.ChatRoleAssistant, history[1].Role)

	// mutating the snapshot must not affect the stored history
	history[0].Content = "mutated"
	fresh, err := store.Snapshot("session-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", fresh[0].Content)
}

func TestSessionStoreHistoryTrimming(t *testing.T) {
	store := newSessionStore(t, 10, 3)

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		err := store.Append("session-1", types.ChatTurn{Role: types.ChatRoleUser, Content: content})
		require.NoError(t, err)
	}

	history, err := store.Snapshot("session-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "three", history[0].Content)
	assert.Equal(t, "five", history[2].Content)
}

func TestSessionStoreHistoryUnboundedByDefault(t *testing.T) {
	store := newSessionStore(t, 0, 0)

	for i := 0; i < 500; i++ {
		err := store.Append("session-1", types.ChatTurn{
			Role:    types.ChatRoleUser,
			Content: fmt.Sprintf("turn-%d", i),
		})
		require.NoError(t, err)
	}

	history, err := store.Snapshot("session-1")
	require.NoError(t, err)
	require.Len(t, history, 500)
	assert.Equal(t, "turn-0", history[0].Content)
	assert.Equal(t, "turn-499", history[499].Content)
}

func TestSessionStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := newSessionStore(t, 2, 0)

	require.NoError(t, store.Append("session-1", types.ChatTurn{Role: types.ChatRoleUser, Content: "one"}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Append("session-2", types.ChatTurn{Role: types.ChatRoleUser, Content: "two"}))

	// A third session displaces the stalest one instead of being refused.
	_, err := store.GetOrCreate("session-3")
	require.NoError(t, err)

	ids := store.SessionIDs()
	assert.Len(t, ids, 2)
	assert.NotContains(t, ids, "session-1")
	assert.Contains(t, ids, "session-2")
	assert.Contains(t, ids, "session-3")

	// the evicted id starts over with an empty history
	history, err := store.Snapshot("session-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSessionStoreAcquireTurnSerializes(t *testing.T) {
	store := newSessionStore(t, 10, 100)

	release, err := store.AcquireTurn(context.Background(), "session-1")
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer close(done)
		second, err := store.AcquireTurn(context.Background(), "session-1")
		require.NoError(t, err)
		defer second()
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second turn never acquired the slot")
	}

	assert.Equal(t, []int{1, 2}, order)
}

func TestSessionStoreAcquireTurnIndependentSessions(t *testing.T) {
	store := newSessionStore(t, 10, 100)

	releaseA, err := store.AcquireTurn(context.Background(), "session-a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	releaseB, err := store.AcquireTurn(ctx, "session-b")
	require.NoError(t, err)
	releaseB()
}

func TestSessionStoreAcquireTurnDeadline(t *testing.T) {
	store := newSessionStore(t, 10, 100)

	release, err := store.AcquireTurn(context.Background(), "session-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = store.AcquireTurn(ctx, "session-1")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindTimeout, server.KindOf(err))
}

func TestSessionStoreAcquireTurnCancelled(t *testing.T) {
	store := newSessionStore(t, 10, 100)

	release, err := store.AcquireTurn(context.Background(), "session-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = store.AcquireTurn(ctx, "session-1")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindCancelled, server.KindOf(err))
}

func TestSessionStoreReleaseIsIdempotent(t *testing.T) {
	store := newSessionStore(t, 10, 100)

	release, err := store.AcquireTurn(context.Background(), "session-1")
	require.NoError(t, err)
	release()
	release()

	next, err := store.AcquireTurn(context.Background(), "session-1")
	require.NoError(t, err)
	next()
}
