// Package bus carries record-change events from the record store to the
// indexer and to any observers of index progress.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

const defaultBuffer = 1024

// RecordEvent is one committed mutation of an activity record.
type RecordEvent struct {
	Kind store.ChangeKind
	ID   int64
}

// IndexEvent reports the outcome of indexing one record.
type IndexEvent struct {
	ID           int64  `json:"id"`
	Rev          int64  `json:"rev"`
	TextIndexed  bool   `json:"text_indexed"`
	VectorStatus string `json:"vector_status"`
	Removed      bool   `json:"removed,omitempty"`
	Err          string `json:"error,omitempty"`
}

// EventHandler observes index events. Handlers must not block.
type EventHandler func(IndexEvent)

// RecordBus queues record changes for the indexer and fans index events
// out to subscribers. Publishing never blocks the writer: when the queue is
// full the event is dropped and the indexer's poller catches the record up.
type RecordBus struct {
	changes chan RecordEvent
	dropped atomic.Int64

	subscribers map[string]EventHandler
	subMu       sync.RWMutex
}

var _ store.Notifier = (*RecordBus)(nil)

// New creates a bus with the given queue size (default 1024).
func New(buffer int) *RecordBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &RecordBus{
		changes:     make(chan RecordEvent, buffer),
		subscribers: make(map[string]EventHandler),
	}
}

// RecordChanged implements store.Notifier.
func (b *RecordBus) RecordChanged(kind store.ChangeKind, ids ...int64) {
	for _, id := range ids {
		select {
		case b.changes <- RecordEvent{Kind: kind, ID: id}:
		default:
			n := b.dropped.Add(1)
			slog.Warn("bus.change.dropped", "kind", kind, "id", id, "dropped_total", n)
		}
	}
}

// Consume blocks until a change is available or ctx is cancelled.
func (b *RecordBus) Consume(ctx context.Context) (RecordEvent, bool) {
	select {
	case ev := <-b.changes:
		return ev, true
	case <-ctx.Done():
		return RecordEvent{}, false
	}
}

// Dropped returns how many changes were discarded on a full queue.
func (b *RecordBus) Dropped() int64 { return b.dropped.Load() }

// Pending returns the number of queued changes.
func (b *RecordBus) Pending() int { return len(b.changes) }

// Subscribe registers an index event observer under id.
func (b *RecordBus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

func (b *RecordBus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast sends an index event to all subscribers.
func (b *RecordBus) Broadcast(ev IndexEvent) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, handler := range b.subscribers {
		handler(ev)
	}
}
