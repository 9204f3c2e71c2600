// Package indexer keeps the text and vector indexes in step with the record
// store. Record changes arrive on the bus and are debounced per record; a
// poller compares revisions so writes made by other processes, or events
// dropped under load, are still picked up.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/memlens/internal/bus"
	"github.com/nextlevelbuilder/memlens/internal/config"
	"github.com/nextlevelbuilder/memlens/internal/cron"
	"github.com/nextlevelbuilder/memlens/internal/store"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/memlens/internal/indexer")

// ErrRebuildRunning is returned when a rebuild is requested while one runs.
var ErrRebuildRunning = errors.New("rebuild already running")

const (
	defaultDebounce = 300 * time.Millisecond
	lockStripes     = 64
)

// Store is what the indexer needs from the record store.
type Store interface {
	store.RecordStore
	store.IndexStateStore
}

// Indexer populates the derived indexes.
type Indexer struct {
	db       Store
	text     store.TextIndex
	vectors  store.VectorIndex
	embedder store.EmbeddingProvider
	bus      *bus.RecordBus
	settings func() config.IndexerConfig
	retry    cron.RetryConfig
	debounce time.Duration

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	work       chan bus.RecordEvent
	wake       chan struct{}
	rebuildReq chan string

	locks      [lockStripes]sync.Mutex
	rebuilding atomic.Bool
	indexed    atomic.Int64
	failed     atomic.Int64

	reportMu    sync.Mutex
	lastRebuild *RebuildReport
	lastCheck   *CheckReport
}

type Option func(*Indexer)

// WithEmbedder enables vector population. Without it vectors are skipped.
func WithEmbedder(e store.EmbeddingProvider) Option {
	return func(ix *Indexer) { ix.embedder = e }
}

// WithBus subscribes the indexer to record changes and publishes index events.
func WithBus(b *bus.RecordBus) Option {
	return func(ix *Indexer) { ix.bus = b }
}

// WithSettings supplies indexer tuning; read on each use so reloads apply.
func WithSettings(fn func() config.IndexerConfig) Option {
	return func(ix *Indexer) { ix.settings = fn }
}

// WithRetry overrides the embedding retry policy.
func WithRetry(cfg cron.RetryConfig) Option {
	return func(ix *Indexer) { ix.retry = cfg }
}

// WithDebounce sets the per-record quiet period for bus events.
func WithDebounce(d time.Duration) Option {
	return func(ix *Indexer) { ix.debounce = d }
}

func New(db Store, text store.TextIndex, vectors store.VectorIndex, opts ...Option) *Indexer {
	ix := &Indexer{
		db:         db,
		text:       text,
		vectors:    vectors,
		settings:   func() config.IndexerConfig { return config.Default().Indexer },
		retry:      cron.DefaultRetryConfig(),
		debounce:   defaultDebounce,
		rebuildReq: make(chan string, 1),
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

func (ix *Indexer) tuning() config.IndexerConfig {
	c := ix.settings()
	def := config.Default().Indexer
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = def.PollIntervalMs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// Start launches the bus consumer, the workers and the poller. The poller
// runs once immediately so records written while stopped are caught up.
func (ix *Indexer) Start(ctx context.Context) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running {
		return
	}

	cfg := ix.tuning()
	ctx, ix.cancel = context.WithCancel(ctx)
	ix.work = make(chan bus.RecordEvent, cfg.BatchSize)
	ix.wake = make(chan struct{}, 1)
	ix.running = true

	for i := 0; i < cfg.Workers; i++ {
		ix.wg.Add(1)
		go ix.worker(ctx)
	}
	ix.wg.Add(2)
	go ix.pollLoop(ctx)
	go ix.rebuildLoop(ctx)
	if ix.bus != nil {
		ix.wg.Add(1)
		go ix.consumeLoop(ctx)
	}

	slog.Info("indexer started", "workers", cfg.Workers, "poll_interval", cfg.PollInterval(),
		"text_backend", ix.text.Name(), "vectors", ix.embedder != nil)
}

// Stop cancels background work and waits for in-flight records to finish.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return
	}
	ix.cancel()
	ix.running = false
	ix.mu.Unlock()

	ix.wg.Wait()
	slog.Info("indexer stopped", "indexed", ix.indexed.Load(), "failed", ix.failed.Load())
}

// Running reports whether background work is active.
func (ix *Indexer) Running() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.running
}

// Wake asks the poller to scan for pending records now.
func (ix *Indexer) Wake() {
	ix.mu.Lock()
	wake := ix.wake
	ix.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// --- Background loops ---

func (ix *Indexer) consumeLoop(ctx context.Context) {
	defer ix.wg.Done()
	deb := bus.NewChangeDebouncer(ix.debounce, func(ev bus.RecordEvent) {
		ix.enqueue(ctx, ev)
	})
	defer deb.Stop()

	for {
		ev, ok := ix.bus.Consume(ctx)
		if !ok {
			return
		}
		deb.Push(ev)
	}
}

func (ix *Indexer) enqueue(ctx context.Context, ev bus.RecordEvent) {
	select {
	case ix.work <- ev:
	case <-ctx.Done():
	}
}

func (ix *Indexer) worker(ctx context.Context) {
	defer ix.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ix.work:
			if ix.rebuilding.Load() {
				// The rebuild scan covers every record.
				continue
			}
			var err error
			if ev.Kind == store.ChangeDeleted {
				_, err = ix.removeDerived(ctx, ev.ID)
			} else {
				_, err = ix.IndexRecord(ctx, ev.ID)
			}
			if err != nil && ctx.Err() == nil {
				slog.Warn("indexer.record.failed", "id", ev.ID, "kind", ev.Kind, "error", err)
			}
		}
	}
}

func (ix *Indexer) pollLoop(ctx context.Context) {
	defer ix.wg.Done()
	ix.poll(ctx)

	timer := time.NewTimer(ix.tuning().PollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.wake:
			ix.poll(ctx)
		case <-timer.C:
			ix.poll(ctx)
			timer.Reset(ix.tuning().PollInterval())
		}
	}
}

// poll queues one batch of records whose text revision is ahead of the index.
func (ix *Indexer) poll(ctx context.Context) {
	if ix.rebuilding.Load() {
		return
	}
	ids, err := ix.db.PendingIndex(ctx, ix.tuning().BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("indexer.poll.failed", "error", err)
		}
		return
	}
	if len(ids) > 0 {
		slog.Debug("indexer.poll", "pending", len(ids))
	}
	for _, id := range ids {
		ix.enqueue(ctx, bus.RecordEvent{Kind: store.ChangeTextUpdated, ID: id})
	}
}

// --- Single record ---

func (ix *Indexer) lockFor(id int64) *sync.Mutex {
	return &ix.locks[uint64(id)%lockStripes]
}

// IndexRecord brings both indexes up to date for one record. A record that
// no longer exists has its derived entries removed.
func (ix *Indexer) IndexRecord(ctx context.Context, id int64) (bus.IndexEvent, error) {
	mu := ix.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := ix.db.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ix.removeDerivedLocked(ctx, id)
	}
	if err != nil {
		return bus.IndexEvent{ID: id}, err
	}
	return ix.indexLocked(ctx, rec, ix.tuning().MaxAttempts)
}

func (ix *Indexer) indexLocked(ctx context.Context, rec *store.ActivityRecord, maxAttempts int) (bus.IndexEvent, error) {
	ev := bus.IndexEvent{ID: rec.ID, Rev: rec.Rev}

	if err := ix.text.Reindex(ctx, *rec); err != nil {
		ix.failed.Add(1)
		ev.Err = err.Error()
		ix.publish(ev)
		return ev, fmt.Errorf("text index %d: %w", rec.ID, err)
	}
	ev.TextIndexed = rec.HasText()

	st := store.IndexState{ActivityID: rec.ID, Rev: rec.Rev, TextIndexed: ev.TextIndexed}
	prev, err := ix.db.GetIndexState(ctx, rec.ID)
	if err == nil && prev.Rev == rec.Rev && prev.VectorStatus == store.VectorFailed {
		st.Attempts = prev.Attempts
	}
	ix.embedLocked(ctx, rec, &st, maxAttempts)
	ev.VectorStatus = st.VectorStatus
	ev.Err = st.LastError

	if err := ix.db.PutIndexState(ctx, st); err != nil {
		ix.failed.Add(1)
		return ev, err
	}
	ix.indexed.Add(1)
	ix.publish(ev)
	return ev, nil
}

// embedLocked refreshes the vector entry. The previous vector is removed
// whenever a new one cannot be produced so stale text never ranks.
func (ix *Indexer) embedLocked(ctx context.Context, rec *store.ActivityRecord, st *store.IndexState, maxAttempts int) {
	if ix.embedder == nil || !rec.HasText() {
		st.VectorStatus = store.VectorSkipped
		st.Attempts = 0
		if err := ix.vectors.Remove(ctx, rec.ID); err != nil {
			slog.Warn("indexer.vector.remove_failed", "id", rec.ID, "error", err)
		}
		return
	}
	if st.Attempts >= maxAttempts {
		st.VectorStatus = store.VectorFailed
		st.LastError = "max attempts reached"
		return
	}

	text := *rec.Text
	vecs, _, err := cron.Do(ctx, ix.retry, func(ctx context.Context) ([][]float32, error) {
		return ix.embedder.Embed(ctx, []string{text})
	})
	if err == nil && (len(vecs) != 1 || len(vecs[0]) == 0) {
		err = store.ExternalCall("embed", fmt.Errorf("empty embedding"))
	}
	if err == nil {
		err = ix.vectors.Upsert(ctx, rec.ID, ix.embedder.Model(), vecs[0])
	}
	if err != nil {
		st.VectorStatus = store.VectorFailed
		st.Attempts++
		st.LastError = err.Error()
		if rmErr := ix.vectors.Remove(ctx, rec.ID); rmErr != nil {
			slog.Warn("indexer.vector.remove_failed", "id", rec.ID, "error", rmErr)
		}
		slog.Warn("indexer.embed.failed", "id", rec.ID, "attempts", st.Attempts, "error", err)
		return
	}
	st.VectorStatus = store.VectorOK
	st.Attempts = 0
	st.LastError = ""
}

func (ix *Indexer) removeDerived(ctx context.Context, id int64) (bus.IndexEvent, error) {
	mu := ix.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return ix.removeDerivedLocked(ctx, id)
}

// removeDerivedLocked drops index entries for a deleted record. With the
// SQLite indexes the schema cascade already did this; other backends rely on it.
func (ix *Indexer) removeDerivedLocked(ctx context.Context, id int64) (bus.IndexEvent, error) {
	ev := bus.IndexEvent{ID: id, Removed: true}
	err := errors.Join(ix.text.Remove(ctx, id), ix.vectors.Remove(ctx, id))
	if err != nil {
		ev.Err = err.Error()
	}
	ix.publish(ev)
	return ev, err
}

func (ix *Indexer) publish(ev bus.IndexEvent) {
	if ix.bus != nil {
		ix.bus.Broadcast(ev)
	}
}

// --- Maintenance ---

// RebuildReport summarizes a full rebuild.
type RebuildReport struct {
	JobID        string        `json:"job_id"`
	Reason       string        `json:"reason,omitempty"`
	Records      int           `json:"records"`
	TextIndexed  int           `json:"text_indexed"`
	Vectors      int           `json:"vectors"`
	VectorFailed int           `json:"vector_failed"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Err          string        `json:"error,omitempty"`
}

// Rebuild clears both indexes and the index state, then re-indexes every
// record. Searches keep working meanwhile with partial results.
func (ix *Indexer) Rebuild(ctx context.Context, reason string) (*RebuildReport, error) {
	if !ix.rebuilding.CompareAndSwap(false, true) {
		return nil, ErrRebuildRunning
	}
	defer ix.rebuilding.Store(false)

	ctx, span := tracer.Start(ctx, "indexer.Rebuild")
	defer span.End()

	rep := &RebuildReport{JobID: store.NewJobID(), Reason: reason, StartedAt: time.Now()}
	slog.Info("indexer.rebuild.start", "job_id", rep.JobID, "reason", reason)

	err := ix.rebuild(ctx, rep)
	rep.Duration = time.Since(rep.StartedAt)
	if err != nil {
		rep.Err = err.Error()
		span.RecordError(err)
		slog.Error("indexer.rebuild.failed", "job_id", rep.JobID, "error", err)
	} else {
		slog.Info("indexer.rebuild.done", "job_id", rep.JobID, "records", rep.Records,
			"vectors", rep.Vectors, "vector_failed", rep.VectorFailed, "duration", rep.Duration)
	}
	span.SetAttributes(attribute.Int("indexer.records", rep.Records))

	ix.reportMu.Lock()
	ix.lastRebuild = rep
	ix.reportMu.Unlock()
	return rep, err
}

func (ix *Indexer) rebuild(ctx context.Context, rep *RebuildReport) error {
	if err := ix.text.Clear(ctx); err != nil {
		return fmt.Errorf("clear text index: %w", err)
	}
	if err := ix.vectors.Clear(ctx); err != nil {
		return fmt.Errorf("clear vector index: %w", err)
	}
	if err := ix.db.ResetIndexState(ctx); err != nil {
		return err
	}

	cfg := ix.tuning()
	var after int64
	for {
		recs, err := ix.db.Scan(ctx, after, cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for i := range recs {
			rec := &recs[i]
			after = rec.ID
			mu := ix.lockFor(rec.ID)
			mu.Lock()
			ev, err := ix.indexLocked(ctx, rec, cfg.MaxAttempts)
			mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("indexer.rebuild.record_failed", "id", rec.ID, "error", err)
				continue
			}
			rep.Records++
			if ev.TextIndexed {
				rep.TextIndexed++
			}
			switch ev.VectorStatus {
			case store.VectorOK:
				rep.Vectors++
			case store.VectorFailed:
				rep.VectorFailed++
			}
		}
	}
}

// ForceRebuild schedules a background rebuild and returns immediately.
// Requests arriving while one is queued or running are merged.
func (ix *Indexer) ForceRebuild(reason string) bool {
	if !ix.Running() {
		slog.Warn("indexer.rebuild.not_running", "reason", reason,
			"hint", "run `memlens index rebuild`")
		return false
	}
	select {
	case ix.rebuildReq <- reason:
		return true
	default:
		return false
	}
}

// OnConsistencyViolation is the search engine's consistency handler.
func (ix *Indexer) OnConsistencyViolation(_ context.Context, cerr *store.ConsistencyError) {
	slog.Error("indexer.consistency_violation", "index", cerr.Index, "orphans", len(cerr.IDs), "error", cerr)
	ix.ForceRebuild(cerr.Error())
}

func (ix *Indexer) rebuildLoop(ctx context.Context) {
	defer ix.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-ix.rebuildReq:
			if _, err := ix.Rebuild(ctx, reason); err != nil && !errors.Is(err, ErrRebuildRunning) {
				slog.Warn("indexer.forced_rebuild.failed", "error", err)
			}
		}
	}
}

// CheckReport lists index entries that do not belong to a live record.
type CheckReport struct {
	JobID         string    `json:"job_id"`
	TextBackend   string    `json:"text_backend"`
	TextEntries   int       `json:"text_entries"`
	VectorEntries int       `json:"vector_entries"`
	TextOrphans   []int64   `json:"text_orphans"`
	VectorOrphans []int64   `json:"vector_orphans"`
	Pending       int       `json:"pending"`
	Repaired      bool      `json:"repaired"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Consistent reports whether no orphans were found.
func (r *CheckReport) Consistent() bool {
	return len(r.TextOrphans) == 0 && len(r.VectorOrphans) == 0
}

// Check compares index keys against live records. With repair, orphan
// entries are removed and pending records are queued.
func (ix *Indexer) Check(ctx context.Context, repair bool) (*CheckReport, error) {
	ctx, span := tracer.Start(ctx, "indexer.Check")
	defer span.End()

	rep := &CheckReport{JobID: store.NewJobID(), TextBackend: ix.text.Name(), CheckedAt: time.Now()}

	textIDs, err := ix.text.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("text index ids: %w", err)
	}
	vecIDs, err := ix.vectors.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector index ids: %w", err)
	}
	rep.TextEntries, rep.VectorEntries = len(textIDs), len(vecIDs)

	if rep.TextOrphans, err = ix.orphans(ctx, textIDs); err != nil {
		return nil, err
	}
	if rep.VectorOrphans, err = ix.orphans(ctx, vecIDs); err != nil {
		return nil, err
	}
	pending, err := ix.db.PendingIndex(ctx, ix.tuning().BatchSize)
	if err != nil {
		return nil, err
	}
	rep.Pending = len(pending)

	if repair && !rep.Consistent() {
		for _, id := range rep.TextOrphans {
			if err := ix.text.Remove(ctx, id); err != nil {
				return rep, err
			}
		}
		for _, id := range rep.VectorOrphans {
			if err := ix.vectors.Remove(ctx, id); err != nil {
				return rep, err
			}
		}
		rep.Repaired = true
	}
	if repair && rep.Pending > 0 {
		ix.Wake()
	}

	if !rep.Consistent() {
		slog.Warn("indexer.check.orphans", "job_id", rep.JobID,
			"text", len(rep.TextOrphans), "vector", len(rep.VectorOrphans), "repaired", rep.Repaired)
	} else {
		slog.Info("indexer.check.ok", "job_id", rep.JobID, "text_entries", rep.TextEntries,
			"vector_entries", rep.VectorEntries, "pending", rep.Pending)
	}

	ix.reportMu.Lock()
	ix.lastCheck = rep
	ix.reportMu.Unlock()
	return rep, nil
}

func (ix *Indexer) orphans(ctx context.Context, ids []int64) ([]int64, error) {
	out := []int64{}
	if len(ids) == 0 {
		return out, nil
	}
	live, err := ix.db.RecordIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if !live[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// BackfillReport summarizes a vector backfill pass.
type BackfillReport struct {
	Attempted int `json:"attempted"`
	Embedded  int `json:"embedded"`
	Failed    int `json:"failed"`
}

// Backfill retries embeddings that failed or never ran, up to the
// configured attempt budget. Each record is tried at most once per call.
func (ix *Indexer) Backfill(ctx context.Context) (*BackfillReport, error) {
	if ix.embedder == nil {
		return nil, store.ErrEmbeddingDisabled
	}
	ctx, span := tracer.Start(ctx, "indexer.Backfill")
	defer span.End()

	cfg := ix.tuning()
	rep := &BackfillReport{}
	seen := make(map[int64]bool)
	for {
		ids, err := ix.db.PendingVectors(ctx, cfg.MaxAttempts, cfg.BatchSize)
		if err != nil {
			return rep, err
		}
		progressed := false
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			progressed = true
			rep.Attempted++
			ev, err := ix.IndexRecord(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return rep, ctx.Err()
				}
				rep.Failed++
				continue
			}
			if ev.VectorStatus == store.VectorOK {
				rep.Embedded++
			} else if !ev.Removed {
				rep.Failed++
			}
		}
		if !progressed || len(ids) < cfg.BatchSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("indexer.embedded", rep.Embedded))
	slog.Info("indexer.backfill.done", "attempted", rep.Attempted, "embedded", rep.Embedded, "failed", rep.Failed)
	return rep, nil
}

// Status is a snapshot of indexer progress.
type Status struct {
	Running        bool           `json:"running"`
	Rebuilding     bool           `json:"rebuilding"`
	TextBackend    string         `json:"text_backend"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Indexed        int64          `json:"indexed"`
	Failed         int64          `json:"failed"`
	QueueDepth     int            `json:"queue_depth"`
	Dropped        int64          `json:"dropped_events"`
	Pending        int            `json:"pending"`
	Stats          store.Stats    `json:"stats"`
	LastRebuild    *RebuildReport `json:"last_rebuild,omitempty"`
	LastCheck      *CheckReport   `json:"last_check,omitempty"`
}

func (ix *Indexer) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Running:     ix.Running(),
		Rebuilding:  ix.rebuilding.Load(),
		TextBackend: ix.text.Name(),
		Indexed:     ix.indexed.Load(),
		Failed:      ix.failed.Load(),
	}
	if ix.embedder != nil {
		st.EmbeddingModel = ix.embedder.Name() + "/" + ix.embedder.Model()
	}
	ix.mu.Lock()
	if ix.work != nil {
		st.QueueDepth = len(ix.work)
	}
	ix.mu.Unlock()
	if ix.bus != nil {
		st.QueueDepth += ix.bus.Pending()
		st.Dropped = ix.bus.Dropped()
	}

	pending, err := ix.db.PendingIndex(ctx, ix.tuning().BatchSize)
	if err != nil {
		return nil, err
	}
	st.Pending = len(pending)
	if st.Stats, err = ix.db.Stats(ctx); err != nil {
		return nil, err
	}

	ix.reportMu.Lock()
	st.LastRebuild, st.LastCheck = ix.lastRebuild, ix.lastCheck
	ix.reportMu.Unlock()
	return st, nil
}
