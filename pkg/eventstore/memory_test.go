package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(eventType string) EventData {
	return EventData{
		EventID:   uuid.New(),
		EventType: eventType,
		Data:      []byte(`{"message":"hello"}`),
	}
}

func TestMemoryStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	res, err := store.Append(ctx, "book-1", NoStream(), testEvent("A"), testEvent("B"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.NextRevision)
	assert.Equal(t, uint64(2), res.Position.Commit)

	res, err = store.Append(ctx, "book-1", Exact(1), testEvent("C"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.NextRevision)

	events, err := store.ReadStream(ctx, "book-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, uint64(i), event.Revision)
		assert.Equal(t, "book-1", event.StreamID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, []string{events[0].EventType, events[1].EventType, events[2].EventType})
}

func TestMemoryStore_BatchAppendNumbersRevisionsConsecutively(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Append(ctx, "book-2", NoStream(), testEvent("A"))
	require.NoError(t, err)
	res, err := store.Append(ctx, "book-2", Exact(0), testEvent("B"), testEvent("C"), testEvent("D"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.NextRevision)

	events, err := store.ReadStream(ctx, "book-2")
	require.NoError(t, err)
	revisions := make([]uint64, 0, len(events))
	for _, event := range events {
		revisions = append(revisions, event.Revision)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3}, revisions)

	_, err = store.Append(ctx, "book-2", Exact(3), testEvent("E"))
	assert.NoError(t, err, "the next exact guard follows the batch")
}

func TestMemoryStore_ExpectedRevisionGuards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Append(ctx, "patron-1", Exact(0), testEvent("A"))
	assert.ErrorIs(t, err, ErrConcurrencyConflict, "exact revision on a missing stream")

	_, err = store.Append(ctx, "patron-1", NoStream(), testEvent("A"))
	require.NoError(t, err)

	_, err = store.Append(ctx, "patron-1", NoStream(), testEvent("B"))
	assert.ErrorIs(t, err, ErrConcurrencyConflict, "no-stream on an existing stream")

	_, err = store.Append(ctx, "patron-1", Exact(5), testEvent("B"))
	assert.ErrorIs(t, err, ErrConcurrencyConflict, "stale revision")

	_, err = store.Append(ctx, "patron-1", AnyRevision(), testEvent("B"))
	assert.NoError(t, err)

	_, err = store.Append(ctx, "patron-1", AnyRevision())
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestMemoryStore_ConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Append(ctx, "book-1", NoStream(), testEvent("A"))
	require.NoError(t, err)

	const writers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, "book-1", Exact(0), testEvent("B"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConcurrencyConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)
}

func TestMemoryStore_ReadMissingStream(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.ReadStream(context.Background(), "book-missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	exists, err := store.StreamExists(context.Background(), "book-missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_SubscribeFromCheckpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store := NewMemoryStore()

	_, err := store.Append(ctx, "book-1", NoStream(), testEvent("A"))
	require.NoError(t, err)
	_, err = store.Append(ctx, "other-1", NoStream(), testEvent("X"))
	require.NoError(t, err)
	second, err := store.Append(ctx, "patron-1", NoStream(), testEvent("B"))
	require.NoError(t, err)

	sub, err := store.SubscribeToAll(ctx, Start, SubscriptionFilter{StreamPrefixes: []string{"book-", "patron-"}})
	require.NoError(t, err)
	defer sub.Close()

	first, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, "A", first.EventType)
	got, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, "B", got.EventType)
	assert.Equal(t, second.Position, got.Position)

	// Live delivery after catching up.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.Append(context.Background(), "book-2", NoStream(), testEvent("C"))
	}()
	live, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, "C", live.EventType)

	resumed, err := store.SubscribeToAll(ctx, got.Position, SubscriptionFilter{})
	require.NoError(t, err)
	defer resumed.Close()
	next, err := resumed.Recv()
	require.NoError(t, err)
	assert.Equal(t, "C", next.EventType)
}

func TestMemoryStore_SubscriptionClose(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.SubscribeToAll(context.Background(), Start, SubscriptionFilter{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Recv()
		done <- err
	}()
	require.NoError(t, sub.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestPosition_After(t *testing.T) {
	assert.True(t, Position{Commit: 2, Prepare: 2}.After(Position{Commit: 1, Prepare: 9}))
	assert.True(t, Position{Commit: 2, Prepare: 3}.After(Position{Commit: 2, Prepare: 2}))
	assert.False(t, Start.After(Start))
	assert.True(t, Start.IsZero())
}

func TestMemoryCheckpointStore(t *testing.T) {
	ctx := context.Background()
	checkpoints := NewMemoryCheckpointStore()

	_, ok, err := checkpoints.LoadCheckpoint(ctx, "catalog")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, checkpoints.SaveCheckpoint(ctx, "catalog", Position{Commit: 7, Prepare: 7}))
	pos, ok, err := checkpoints.LoadCheckpoint(ctx, "catalog")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), pos.Commit)
}
