package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"kurrentlibrary/pkg/eventstore"
)

// ErrInjected marks failures produced by a FaultyStore rather than the
// backend behind it.
var ErrInjected = errors.New("injected store failure")

// Faults describes what a FaultyStore does to each call. Rates are
// probabilities between 0 and 1.
type Faults struct {
	Latency      time.Duration `json:"latency"`
	FailureRate  float64       `json:"failure_rate"`
	ConflictRate float64       `json:"conflict_rate"`
}

func (f Faults) IsZero() bool { return f == Faults{} }

// Injections counts the faults a FaultyStore has produced.
type Injections struct {
	Delayed   int `json:"delayed"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// FaultyStore wraps a Store and injects latency, errors and spurious
// concurrency conflicts. Subscriptions are passed through untouched.
type FaultyStore struct {
	inner eventstore.Store

	mu       sync.Mutex
	faults   Faults
	rng      *rand.Rand
	injected Injections
}

var _ eventstore.Store = (*FaultyStore)(nil)

func NewFaultyStore(inner eventstore.Store, seed int64) *FaultyStore {
	return &FaultyStore{
		inner: inner,
		rng:   rand.New(rand.NewSource(seed)), //nolint:gosec // fault injection only
	}
}

func (s *FaultyStore) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

func (s *FaultyStore) Clear() { s.SetFaults(Faults{}) }

func (s *FaultyStore) Injected() Injections {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injected
}

// roll decides the fate of one call. conflict is only considered for appends.
func (s *FaultyStore) roll(appending bool) (delay time.Duration, fail, conflict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.faults
	if f.Latency > 0 {
		delay = f.Latency
		s.injected.Delayed++
	}
	if f.FailureRate > 0 && s.rng.Float64() < f.FailureRate {
		s.injected.Failed++
		return delay, true, false
	}
	if appending && f.ConflictRate > 0 && s.rng.Float64() < f.ConflictRate {
		s.injected.Conflicts++
		return delay, false, true
	}
	return delay, false, false
}

func (s *FaultyStore) before(ctx context.Context, op, stream string, appending bool) error {
	delay, fail, conflict := s.roll(appending)
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	switch {
	case fail:
		return fmt.Errorf("%s %s: %w", op, stream, ErrInjected)
	case conflict:
		return fmt.Errorf("%s %s: %w", op, stream, eventstore.ErrConcurrencyConflict)
	}
	return nil
}

func (s *FaultyStore) Append(ctx context.Context, stream string, expected eventstore.ExpectedRevision, events ...eventstore.EventData) (eventstore.AppendResult, error) {
	if err := s.before(ctx, "append", stream, true); err != nil {
		return eventstore.AppendResult{}, err
	}
	return s.inner.Append(ctx, stream, expected, events...)
}

func (s *FaultyStore) ReadStream(ctx context.Context, stream string) ([]eventstore.RecordedEvent, error) {
	if err := s.before(ctx, "read", stream, false); err != nil {
		return nil, err
	}
	return s.inner.ReadStream(ctx, stream)
}

func (s *FaultyStore) StreamExists(ctx context.Context, stream string) (bool, error) {
	if err := s.before(ctx, "exists", stream, false); err != nil {
		return false, err
	}
	return s.inner.StreamExists(ctx, stream)
}

func (s *FaultyStore) SubscribeToAll(ctx context.Context, after eventstore.Position, filter eventstore.SubscriptionFilter) (eventstore.Subscription, error) {
	return s.inner.SubscribeToAll(ctx, after, filter)
}
