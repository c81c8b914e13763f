// Package eventstore is the gateway onto an append-only event store with
// per-stream optimistic concurrency and a globally ordered log.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: wrong expected revision")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrNoEvents            = errors.New("no events to append")
	ErrSubscriptionClosed  = errors.New("subscription closed")
)

// Position is a location in the global log. Stores without a separate
// prepare position set both fields to the same value.
type Position struct {
	Commit  uint64 `json:"commit"`
	Prepare uint64 `json:"prepare"`
}

// Start is the position before the first event.
var Start = Position{}

func (p Position) IsZero() bool {
	return p.Commit == 0 && p.Prepare == 0
}

// After reports whether p lies beyond o in the global log.
func (p Position) After(o Position) bool {
	if p.Commit != o.Commit {
		return p.Commit > o.Commit
	}
	return p.Prepare > o.Prepare
}

func (p Position) String() string {
	return fmt.Sprintf("C:%d/P:%d", p.Commit, p.Prepare)
}

type revisionKind int

const (
	expectAny revisionKind = iota
	expectNoStream
	expectExact
)

// ExpectedRevision guards an append. The zero value accepts any stream state.
type ExpectedRevision struct {
	kind     revisionKind
	revision uint64
}

// AnyRevision skips the concurrency check.
func AnyRevision() ExpectedRevision {
	return ExpectedRevision{kind: expectAny}
}

// NoStream requires that nothing was ever appended to the stream.
func NoStream() ExpectedRevision {
	return ExpectedRevision{kind: expectNoStream}
}

// Exact requires the stream's last revision to be rev.
func Exact(rev uint64) ExpectedRevision {
	return ExpectedRevision{kind: expectExact, revision: rev}
}

func (e ExpectedRevision) IsAny() bool      { return e.kind == expectAny }
func (e ExpectedRevision) IsNoStream() bool { return e.kind == expectNoStream }

// Revision returns the exact revision and true, or false for Any and NoStream.
func (e ExpectedRevision) Revision() (uint64, bool) {
	return e.revision, e.kind == expectExact
}

func (e ExpectedRevision) String() string {
	switch e.kind {
	case expectNoStream:
		return "no-stream"
	case expectExact:
		return fmt.Sprintf("%d", e.revision)
	default:
		return "any"
	}
}

// Check validates the expectation against the stream's current state.
// exists is false when nothing was appended yet; last is then ignored.
func (e ExpectedRevision) Check(stream string, exists bool, last uint64) error {
	switch e.kind {
	case expectNoStream:
		if exists {
			return fmt.Errorf("%w: stream %s expected no stream, actual revision %d", ErrConcurrencyConflict, stream, last)
		}
	case expectExact:
		if !exists {
			return fmt.Errorf("%w: stream %s expected revision %d, stream does not exist", ErrConcurrencyConflict, stream, e.revision)
		}
		if last != e.revision {
			return fmt.Errorf("%w: stream %s expected revision %d, actual %d", ErrConcurrencyConflict, stream, e.revision, last)
		}
	}
	return nil
}

// EventData is an event about to be appended.
type EventData struct {
	EventID   uuid.UUID
	EventType string
	Data      []byte
	Metadata  []byte
}

// RecordedEvent is an event as stored, with its stream revision and global position.
type RecordedEvent struct {
	EventID   uuid.UUID
	StreamID  string
	EventType string
	Revision  uint64
	Position  Position
	Data      []byte
	Metadata  []byte
	CreatedAt time.Time
}

// AppendResult reports the revision of the last appended event.
type AppendResult struct {
	NextRevision uint64
	Position     Position
}

// SubscriptionFilter restricts a subscription to streams with one of the
// given name prefixes. An empty filter matches every stream.
type SubscriptionFilter struct {
	StreamPrefixes []string
}

func (f SubscriptionFilter) Match(streamID string) bool {
	if len(f.StreamPrefixes) == 0 {
		return true
	}
	for _, prefix := range f.StreamPrefixes {
		if strings.HasPrefix(streamID, prefix) {
			return true
		}
	}
	return false
}

// Subscription delivers events in global order. Recv blocks until an event
// arrives, the subscription's context ends or Close is called.
type Subscription interface {
	Recv() (RecordedEvent, error)
	Close() error
}

// Store is implemented by every event store adapter.
type Store interface {
	Append(ctx context.Context, stream string, expected ExpectedRevision, events ...EventData) (AppendResult, error)
	ReadStream(ctx context.Context, stream string) ([]RecordedEvent, error)
	StreamExists(ctx context.Context, stream string) (bool, error)
	SubscribeToAll(ctx context.Context, after Position, filter SubscriptionFilter) (Subscription, error)
}

// CheckpointStore persists the last position a named consumer has processed.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, name string) (Position, bool, error)
	SaveCheckpoint(ctx context.Context, name string, pos Position) error
}
