package projection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kurrentlibrary/internal/lending"
	"kurrentlibrary/pkg/eventstore"
)

type recordingHandler struct {
	mu     sync.Mutex
	seen   []string
	fail   error
	notify chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 64)}
}

func (h *recordingHandler) Name() string { return "recording" }

func (h *recordingHandler) Handle(_ context.Context, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	h.seen = append(h.seen, msg.Event.EventType())
	h.notify <- struct{}{}
	return nil
}

func (h *recordingHandler) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func appendEvent(t *testing.T, store eventstore.Store, stream string, e lending.Event) {
	t.Helper()
	data, err := lending.Encode(e, lending.Metadata{})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), stream, eventstore.AnyRevision(), data)
	require.NoError(t, err)
}

func waitFor(t *testing.T, h *recordingHandler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}

func TestRunner_ResumesFromCheckpoint(t *testing.T) {
	store := eventstore.NewMemoryStore()
	checkpoints := eventstore.NewMemoryCheckpointStore()
	bookID := uuid.New()
	stream := lending.BookStream(bookID)

	appendEvent(t, store, stream, lending.BookAdded{BookID: bookID, ISBN: "i", Title: "t", BookType: lending.Circulating, BranchID: uuid.New()})
	appendEvent(t, store, "unrelated-1", lending.BookReturned{BookID: bookID, PatronID: uuid.New()})
	appendEvent(t, store, stream, lending.BookPlacedOnHold{BookID: bookID, PatronID: uuid.New(), HoldType: lending.OpenEnded})

	handler := newRecordingHandler()
	runner := NewRunner(store, checkpoints, handler)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	waitFor(t, handler, 2)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{lending.TypeBookAdded, lending.TypeBookPlacedOnHold}, handler.types())

	saved, ok, err := checkpoints.LoadCheckpoint(context.Background(), "recording")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), saved.Commit)
	assert.Equal(t, int64(2), runner.Status().Processed)

	appendEvent(t, store, stream, lending.BookHoldCanceled{BookID: bookID, PatronID: uuid.New()})
	resumed := newRecordingHandler()
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- NewRunner(store, checkpoints, resumed).Run(ctx) }()

	waitFor(t, resumed, 1)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{lending.TypeBookHoldCanceled}, resumed.types())
}

func TestRunner_SkipsUndecodableEvents(t *testing.T) {
	store := eventstore.NewMemoryStore()
	_, err := store.Append(context.Background(), "book-broken", eventstore.NoStream(), eventstore.EventData{
		EventID:   uuid.New(),
		EventType: lending.TypeBookAdded,
		Data:      []byte(`{"bookId":`),
	})
	require.NoError(t, err)
	bookID := uuid.New()
	appendEvent(t, store, lending.BookStream(bookID), lending.BookReturned{BookID: bookID, PatronID: uuid.New()})

	handler := newRecordingHandler()
	runner := NewRunner(store, eventstore.NewMemoryCheckpointStore(), handler)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	waitFor(t, handler, 1)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{lending.TypeBookReturned}, handler.types())
	assert.Equal(t, int64(1), runner.Status().Skipped)
}

func TestRunner_StopsOnHandlerError(t *testing.T) {
	store := eventstore.NewMemoryStore()
	bookID := uuid.New()
	appendEvent(t, store, lending.BookStream(bookID), lending.BookReturned{BookID: bookID, PatronID: uuid.New()})

	boom := errors.New("boom")
	handler := newRecordingHandler()
	handler.fail = boom
	checkpoints := eventstore.NewMemoryCheckpointStore()
	runner := NewRunner(store, checkpoints, handler)

	err := runner.Run(context.Background())

	assert.ErrorIs(t, err, boom)
	_, ok, _ := checkpoints.LoadCheckpoint(context.Background(), "recording")
	assert.False(t, ok, "failed events are not checkpointed")
	assert.Contains(t, runner.Status().LastError, "boom")
}

func TestRevisionTracker(t *testing.T) {
	tracker := NewRevisionTracker()

	assert.True(t, tracker.Observe("book-1", 0))
	assert.False(t, tracker.Observe("book-1", 0))
	assert.True(t, tracker.Observe("book-1", 1))
	assert.False(t, tracker.Observe("book-1", 0))
	assert.True(t, tracker.Observe("book-2", 0))
	assert.Equal(t, 2, tracker.Len())
}
