package eventstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps every stream in process memory. It is used by tests and
// local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]RecordedEvent
	log     []RecordedEvent
	// notify is closed and replaced on every append to wake subscribers.
	notify chan struct{}
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]RecordedEvent),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

// Append atomically appends events after checking the expected revision.
func (s *MemoryStore) Append(ctx context.Context, stream string, expected ExpectedRevision, events ...EventData) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, ErrNoEvents
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.streams[stream]
	var last uint64
	if len(current) > 0 {
		last = current[len(current)-1].Revision
	}
	if err := expected.Check(stream, len(current) > 0, last); err != nil {
		return AppendResult{}, err
	}

	base := uint64(len(current))
	var result AppendResult
	for i, event := range events {
		position := uint64(len(s.log) + 1)
		recorded := RecordedEvent{
			EventID:   event.EventID,
			StreamID:  stream,
			EventType: event.EventType,
			Revision:  base + uint64(i),
			Position:  Position{Commit: position, Prepare: position},
			Data:      event.Data,
			Metadata:  event.Metadata,
			CreatedAt: s.now().UTC(),
		}
		current = append(current, recorded)
		s.log = append(s.log, recorded)
		result = AppendResult{NextRevision: recorded.Revision, Position: recorded.Position}
	}
	s.streams[stream] = current

	close(s.notify)
	s.notify = make(chan struct{})

	return result, nil
}

// ReadStream returns a copy of the stream in revision order.
func (s *MemoryStore) ReadStream(ctx context.Context, stream string) ([]RecordedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.streams[stream]
	if !ok {
		return nil, ErrStreamNotFound
	}
	out := make([]RecordedEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) StreamExists(ctx context.Context, stream string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[stream]
	return ok, nil
}

// SubscribeToAll delivers every event positioned after the given one,
// then blocks for new appends.
func (s *MemoryStore) SubscribeToAll(ctx context.Context, after Position, filter SubscriptionFilter) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	return &memorySubscription{
		store:  s,
		ctx:    ctx,
		cancel: cancel,
		next:   int(after.Commit),
		filter: filter,
	}, nil
}

type memorySubscription struct {
	store  *MemoryStore
	ctx    context.Context
	cancel context.CancelFunc
	next   int
	filter SubscriptionFilter
	closed atomic.Bool
}

func (sub *memorySubscription) Recv() (RecordedEvent, error) {
	for {
		sub.store.mu.RLock()
		for sub.next < len(sub.store.log) {
			event := sub.store.log[sub.next]
			sub.next++
			if sub.filter.Match(event.StreamID) {
				sub.store.mu.RUnlock()
				return event, nil
			}
		}
		wait := sub.store.notify
		sub.store.mu.RUnlock()

		select {
		case <-wait:
		case <-sub.ctx.Done():
			if sub.closed.Load() {
				return RecordedEvent{}, ErrSubscriptionClosed
			}
			return RecordedEvent{}, sub.ctx.Err()
		}
	}
}

func (sub *memorySubscription) Close() error {
	sub.closed.Store(true)
	sub.cancel()
	return nil
}

// MemoryCheckpointStore keeps checkpoints in a map.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]Position
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]Position)}
}

func (c *MemoryCheckpointStore) LoadCheckpoint(_ context.Context, name string) (Position, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.checkpoints[name]
	return pos, ok, nil
}

func (c *MemoryCheckpointStore) SaveCheckpoint(_ context.Context, name string, pos Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[name] = pos
	return nil
}
