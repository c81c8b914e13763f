package pgstore

import (
	"context"
	"sync/atomic"
	"time"

	"kurrentlibrary/pkg/eventstore"
)

// SubscribeToAll polls the events table for entries positioned after the
// given checkpoint.
func (s *Store) SubscribeToAll(ctx context.Context, after eventstore.Position, filter eventstore.SubscriptionFilter) (eventstore.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	return &subscription{
		store:  s,
		ctx:    ctx,
		cancel: cancel,
		cursor: after,
		filter: filter,
	}, nil
}

type subscription struct {
	store  *Store
	ctx    context.Context
	cancel context.CancelFunc
	cursor eventstore.Position
	filter eventstore.SubscriptionFilter
	buffer []eventstore.RecordedEvent
	closed atomic.Bool
}

func (sub *subscription) Recv() (eventstore.RecordedEvent, error) {
	for len(sub.buffer) == 0 {
		if err := sub.done(); err != nil {
			return eventstore.RecordedEvent{}, err
		}

		batch, err := sub.store.ReadAll(sub.ctx, sub.cursor, sub.filter, sub.store.batchSize)
		if err != nil {
			if doneErr := sub.done(); doneErr != nil {
				return eventstore.RecordedEvent{}, doneErr
			}
			return eventstore.RecordedEvent{}, err
		}
		if len(batch) > 0 {
			sub.buffer = batch
			break
		}

		timer := time.NewTimer(sub.store.pollInterval)
		select {
		case <-timer.C:
		case <-sub.ctx.Done():
			timer.Stop()
		}
	}

	event := sub.buffer[0]
	sub.buffer = sub.buffer[1:]
	sub.cursor = event.Position
	return event, nil
}

func (sub *subscription) done() error {
	if sub.ctx.Err() == nil {
		return nil
	}
	if sub.closed.Load() {
		return eventstore.ErrSubscriptionClosed
	}
	return sub.ctx.Err()
}

func (sub *subscription) Close() error {
	sub.closed.Store(true)
	sub.cancel()
	return nil
}
