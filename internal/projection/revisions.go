package projection

// RevisionTracker remembers the highest revision applied per stream so that
// redelivered events can be dropped. It is not safe for concurrent use;
// projections guard it with their own lock.
type RevisionTracker struct {
	seen map[string]uint64
}

func NewRevisionTracker() *RevisionTracker {
	return &RevisionTracker{seen: make(map[string]uint64)}
}

// Observe reports whether the event is new and, if so, records it.
func (t *RevisionTracker) Observe(stream string, revision uint64) bool {
	last, ok := t.seen[stream]
	if ok && revision <= last {
		return false
	}
	t.seen[stream] = revision
	return true
}

func (t *RevisionTracker) Len() int { return len(t.seen) }
