package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

// ChangeDebouncer coalesces bursts of changes to the same record. Capture
// typically inserts a record and fills its text moments later; with a
// window of a few hundred milliseconds the indexer sees one event.
// A delete always wins over earlier inserts or text updates.
type ChangeDebouncer struct {
	window  time.Duration
	mu      sync.Mutex
	pending map[int64]*pendingChange
	flushFn func(RecordEvent)
}

type pendingChange struct {
	kind   store.ChangeKind
	merged int
	timer  *time.Timer
}

// NewChangeDebouncer creates a debouncer. window <= 0 passes events straight through.
func NewChangeDebouncer(window time.Duration, flushFn func(RecordEvent)) *ChangeDebouncer {
	return &ChangeDebouncer{
		window:  window,
		pending: make(map[int64]*pendingChange),
		flushFn: flushFn,
	}
}

// Push buffers ev and (re)starts the record's quiet-period timer.
func (d *ChangeDebouncer) Push(ev RecordEvent) {
	if d.window <= 0 {
		d.flushFn(ev)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[ev.ID]
	if !ok {
		p = &pendingChange{kind: ev.Kind}
		d.pending[ev.ID] = p
	} else {
		p.merged++
		if p.kind != store.ChangeDeleted {
			p.kind = ev.Kind
		}
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	id := ev.ID
	p.timer = time.AfterFunc(d.window, func() { d.flush(id) })
}

// Stop flushes everything still buffered.
func (d *ChangeDebouncer) Stop() {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.flush(id)
	}
}

func (d *ChangeDebouncer) flush(id int64) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(d.pending, id)
	d.mu.Unlock()

	if p.merged > 0 {
		slog.Debug("bus.debounce.merged", "id", id, "kind", p.kind, "merged", p.merged)
	}
	d.flushFn(RecordEvent{Kind: p.kind, ID: id})
}
