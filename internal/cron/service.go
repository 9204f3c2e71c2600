package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

const runLogSize = 200

// Service schedules registered jobs and keeps their state and run history.
type Service struct {
	statePath string
	jobs      map[string]*Job
	handlers  map[string]JobHandler
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	runLog    []RunLogEntry
	retryCfg  RetryConfig
	tick      time.Duration
	now       func() time.Time
}

// NewService loads persisted job state from statePath. An empty path keeps
// state in memory only.
func NewService(statePath string) *Service {
	cs := &Service{
		statePath: statePath,
		jobs:      make(map[string]*Job),
		handlers:  make(map[string]JobHandler),
		retryCfg:  DefaultRetryConfig(),
		tick:      time.Second,
		now:       time.Now,
	}
	if err := cs.loadUnsafe(); err != nil {
		slog.Warn("cron: failed to load state, starting fresh", "path", statePath, "error", err)
		cs.jobs = make(map[string]*Job)
	}
	return cs
}

// SetRetryConfig overrides the default retry configuration.
func (cs *Service) SetRetryConfig(cfg RetryConfig) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.retryCfg = cfg
}

// SetClock replaces the wall clock.
func (cs *Service) SetClock(now func() time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.now = now
}

// Register adds or reschedules a job. An empty expr registers the job for
// manual runs only. Persisted run state survives as long as expr is unchanged.
func (cs *Service) Register(name, expr string, handler JobHandler) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if handler == nil {
		return fmt.Errorf("job %s: nil handler", name)
	}
	if err := ValidateExpr(expr); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.handlers[name] = handler
	job, ok := cs.jobs[name]
	if !ok {
		job = &Job{Name: name}
		cs.jobs[name] = job
	}
	if !ok || job.Expr != expr {
		job.State.NextRunAtMS = nil
	}
	job.Expr = expr
	job.Enabled = expr != ""
	if !job.Enabled {
		job.State.NextRunAtMS = nil
	} else if job.State.NextRunAtMS == nil {
		job.State.NextRunAtMS = computeNextRun(expr, cs.now())
	}
	cs.saveUnsafe()

	slog.Info("cron job registered", "name", name, "expr", expr, "enabled", job.Enabled)
	return nil
}

// Start begins the scheduling loop. Persisted jobs with no handler are dropped.
func (cs *Service) Start(ctx context.Context) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.running {
		return
	}
	for name := range cs.jobs {
		if cs.handlers[name] == nil {
			delete(cs.jobs, name)
		}
	}
	cs.saveUnsafe()

	ctx, cs.cancel = context.WithCancel(ctx)
	cs.done = make(chan struct{})
	cs.running = true
	go cs.runLoop(ctx, cs.done)

	slog.Info("cron service started", "jobs", len(cs.jobs))
}

// Stop halts the scheduling loop and waits for a running job to return.
func (cs *Service) Stop() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}
	cs.cancel()
	done := cs.done
	cs.running = false
	cs.mu.Unlock()

	<-done
	slog.Info("cron service stopped")
}

// ListJobs returns a copy of every job, sorted by name.
func (cs *Service) ListJobs() []Job {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]Job, 0, len(cs.jobs))
	for _, j := range cs.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// GetJob returns a copy of a job by name.
func (cs *Service) GetJob(name string) (Job, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	j, ok := cs.jobs[name]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// RunJob triggers a job now. Without force it only runs when due.
// Returns whether the job ran and its summary.
func (cs *Service) RunJob(ctx context.Context, name string, force bool) (bool, string, error) {
	cs.mu.Lock()
	job, ok := cs.jobs[name]
	handler := cs.handlers[name]
	var due bool
	if ok {
		due = job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= cs.now().UnixMilli()
	}
	cs.mu.Unlock()

	if !ok || handler == nil {
		return false, "", fmt.Errorf("job %s not found", name)
	}
	if !force && !due {
		return false, "not-due", nil
	}

	slog.Info("cron manual run", "name", name, "force", force)
	summary, err := cs.execute(ctx, name, handler, true)
	return true, summary, err
}

// GetRunLog returns recent run log entries for a job (or all jobs if name is
// empty), newest first.
func (cs *Service) GetRunLog(name string, limit int) []RunLogEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	var result []RunLogEntry
	for i := len(cs.runLog) - 1; i >= 0 && len(result) < limit; i-- {
		entry := cs.runLog[i]
		if name == "" || entry.Job == name {
			result = append(result, entry)
		}
	}
	return result
}

// Status returns the service status.
func (cs *Service) Status() map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return map[string]any{
		"enabled":      cs.running,
		"jobs":         len(cs.jobs),
		"nextWakeAtMs": cs.nextWakeMS(),
	}
}

// ValidateExpr accepts an empty expression (disabled) or a valid cron expression.
func ValidateExpr(expr string) error {
	if expr == "" {
		return nil
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression: %s", expr)
	}
	return nil
}

// --- Internal scheduling loop ---

func (cs *Service) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cs.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.checkJobs(ctx)
		}
	}
}

func (cs *Service) checkJobs(ctx context.Context) {
	cs.mu.Lock()
	now := cs.now().UnixMilli()
	var due []string
	for name, job := range cs.jobs {
		if job.Enabled && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= now {
			due = append(due, name)
			// Cleared so a slow job is not picked up again on the next tick.
			job.State.NextRunAtMS = nil
		}
	}
	if len(due) == 0 {
		cs.mu.Unlock()
		return
	}
	sort.Strings(due)
	cs.saveUnsafe()
	cs.mu.Unlock()

	for _, name := range due {
		if ctx.Err() != nil {
			return
		}
		cs.mu.Lock()
		handler := cs.handlers[name]
		cs.mu.Unlock()
		if handler == nil {
			continue
		}
		slog.Info("cron executing job", "name", name)
		cs.execute(ctx, name, handler, false)
	}
}

func (cs *Service) execute(ctx context.Context, name string, handler JobHandler, manual bool) (string, error) {
	cs.mu.Lock()
	retryCfg := cs.retryCfg
	cs.mu.Unlock()

	start := time.Now()
	summary, attempts, err := Do(ctx, retryCfg, func(ctx context.Context) (string, error) {
		return handler(ctx)
	})
	if attempts > 1 {
		slog.Info("cron job retried", "name", name, "attempts", attempts, "success", err == nil)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.now()
	entry := RunLogEntry{
		Ts:         now.UnixMilli(),
		Job:        name,
		Attempts:   attempts,
		DurationMS: time.Since(start).Milliseconds(),
		Manual:     manual,
	}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
		slog.Error("cron job failed", "name", name, "error", err)
	} else {
		entry.Status = "ok"
		entry.Summary = truncateSummary(summary)
		slog.Info("cron job completed", "name", name, "result", entry.Summary)
	}
	cs.runLog = append(cs.runLog, entry)
	if len(cs.runLog) > runLogSize {
		cs.runLog = cs.runLog[len(cs.runLog)-runLogSize:]
	}

	if job, ok := cs.jobs[name]; ok {
		job.State.LastRunAtMS = msPtr(now)
		job.State.LastStatus = entry.Status
		job.State.LastError = entry.Error
		job.State.Runs++
		if job.Enabled {
			job.State.NextRunAtMS = computeNextRun(job.Expr, now)
		}
		cs.saveUnsafe()
	}
	return summary, err
}

// --- Schedule computation ---

func computeNextRun(expr string, now time.Time) *int64 {
	if expr == "" {
		return nil
	}
	next, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		slog.Error("cron: failed to compute next run", "expr", expr, "error", err)
		return nil
	}
	return msPtr(next)
}

func (cs *Service) nextWakeMS() *int64 {
	var earliest *int64
	for _, job := range cs.jobs {
		if job.Enabled && job.State.NextRunAtMS != nil {
			if earliest == nil || *job.State.NextRunAtMS < *earliest {
				earliest = job.State.NextRunAtMS
			}
		}
	}
	return earliest
}

// --- Persistence ---

func (cs *Service) loadUnsafe() error {
	if cs.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(cs.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return err
	}
	for i := range sf.Jobs {
		j := sf.Jobs[i]
		cs.jobs[j.Name] = &j
	}
	return nil
}

func (cs *Service) saveUnsafe() {
	if cs.statePath == "" {
		return
	}
	sf := stateFile{Version: 1, Jobs: make([]Job, 0, len(cs.jobs))}
	for _, j := range cs.jobs {
		sf.Jobs = append(sf.Jobs, *j)
	}
	sort.Slice(sf.Jobs, func(i, k int) bool { return sf.Jobs[i].Name < sf.Jobs[k].Name })

	if err := os.MkdirAll(filepath.Dir(cs.statePath), 0755); err != nil {
		slog.Warn("cron: save state failed", "error", err)
		return
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		slog.Warn("cron: save state failed", "error", err)
		return
	}
	if err := os.WriteFile(cs.statePath, data, 0644); err != nil {
		slog.Warn("cron: save state failed", "error", err)
	}
}
