package vmi

import (
	"sync"
	"time"
)

type pendingEvent struct {
	vcpu      uint32
	published time.Time
	deadline  time.Time
}

// correlationTable maps published event ids to their vCPU and deadline. An
// entry is inserted before the event becomes visible to the client and
// removed exactly once, on response, timeout, detach or cancellation.
type correlationTable struct {
	mu      sync.Mutex
	entries map[uint64]pendingEvent
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{entries: make(map[uint64]pendingEvent)}
}

func (t *correlationTable) insert(id uint64, e pendingEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return newError(CodeBadRecord, "correlate", id, 0)
	}
	t.entries[id] = e
	return nil
}

func (t *correlationTable) lookup(id uint64) (pendingEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// remove deletes id and reports whether this call was the one to do so.
func (t *correlationTable) remove(id uint64) (pendingEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

func (t *correlationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
