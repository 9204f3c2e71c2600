package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T, path string, now time.Time) *Service {
	t.Helper()
	cs := NewService(path)
	cs.SetRetryConfig(RetryConfig{MaxRetries: 0})
	cs.SetClock(func() time.Time { return now })
	return cs
}

func okHandler(calls *atomic.Int32) JobHandler {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "done", nil
	}
}

func TestRegister_ComputesNextRun(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 30, 0, time.UTC)
	cs := newTestService(t, "", now)
	var calls atomic.Int32

	if err := cs.Register(JobBackfill, "*/10 * * * *", okHandler(&calls)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	job, ok := cs.GetJob(JobBackfill)
	if !ok || !job.Enabled || job.State.NextRunAtMS == nil {
		t.Fatalf("job = %+v, ok=%v", job, ok)
	}
	want := time.Date(2026, 3, 4, 12, 10, 0, 0, time.UTC).UnixMilli()
	if *job.State.NextRunAtMS != want {
		t.Errorf("next run = %v, want %v", time.UnixMilli(*job.State.NextRunAtMS).UTC(), time.UnixMilli(want).UTC())
	}
}

func TestRegister_Validation(t *testing.T) {
	cs := newTestService(t, "", time.Now())
	var calls atomic.Int32

	if err := cs.Register(JobCheck, "not a cron", okHandler(&calls)); err == nil {
		t.Error("invalid expression accepted")
	}
	if err := cs.Register("", "* * * * *", okHandler(&calls)); err == nil {
		t.Error("empty name accepted")
	}
	if err := cs.Register(JobCheck, "* * * * *", nil); err == nil {
		t.Error("nil handler accepted")
	}
	// Empty expression is manual-only.
	if err := cs.Register(JobRetention, "", okHandler(&calls)); err != nil {
		t.Fatalf("manual-only register: %v", err)
	}
	job, _ := cs.GetJob(JobRetention)
	if job.Enabled || job.State.NextRunAtMS != nil {
		t.Errorf("manual-only job scheduled: %+v", job)
	}
}

func TestRunJob_ForceAndDue(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	cs := newTestService(t, "", now)
	var calls atomic.Int32
	cs.Register(JobCheck, "17 3 * * *", okHandler(&calls))

	ran, reason, err := cs.RunJob(context.Background(), JobCheck, false)
	if err != nil || ran || reason != "not-due" {
		t.Fatalf("RunJob(due) = %v, %q, %v", ran, reason, err)
	}

	ran, summary, err := cs.RunJob(context.Background(), JobCheck, true)
	if err != nil || !ran || summary != "done" {
		t.Fatalf("RunJob(force) = %v, %q, %v", ran, summary, err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}

	job, _ := cs.GetJob(JobCheck)
	if job.State.LastStatus != "ok" || job.State.Runs != 1 || job.State.LastRunAtMS == nil {
		t.Errorf("state after run = %+v", job.State)
	}

	if _, _, err := cs.RunJob(context.Background(), "missing", true); err == nil {
		t.Error("unknown job should error")
	}
}

func TestRunJob_ErrorRecorded(t *testing.T) {
	cs := newTestService(t, "", time.Now())
	cs.Register(JobRetention, "", func(context.Context) (string, error) {
		return "", errors.New("disk full")
	})

	ran, _, err := cs.RunJob(context.Background(), JobRetention, true)
	if !ran || err == nil {
		t.Fatalf("RunJob = %v, %v; want ran with error", ran, err)
	}
	job, _ := cs.GetJob(JobRetention)
	if job.State.LastStatus != "error" || job.State.LastError != "disk full" {
		t.Errorf("state = %+v", job.State)
	}

	log := cs.GetRunLog(JobRetention, 10)
	if len(log) != 1 || log[0].Status != "error" || !log[0].Manual {
		t.Errorf("run log = %+v", log)
	}
}

func TestCheckJobs_RunsDueJobsOnce(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	cs := newTestService(t, "", now)
	var backfill, check atomic.Int32
	cs.Register(JobBackfill, "*/10 * * * *", okHandler(&backfill))
	cs.Register(JobCheck, "17 3 * * *", okHandler(&check))

	// Ten minutes later only backfill is due.
	later := now.Add(10 * time.Minute)
	cs.SetClock(func() time.Time { return later })
	cs.checkJobs(context.Background())
	cs.checkJobs(context.Background())

	if backfill.Load() != 1 {
		t.Errorf("backfill calls = %d, want 1", backfill.Load())
	}
	if check.Load() != 0 {
		t.Errorf("check calls = %d, want 0", check.Load())
	}

	job, _ := cs.GetJob(JobBackfill)
	want := later.Add(10 * time.Minute).UnixMilli()
	if job.State.NextRunAtMS == nil || *job.State.NextRunAtMS != want {
		t.Errorf("next run not advanced: %+v", job.State)
	}
}

func TestService_PersistsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maintenance.json")
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int32

	cs := newTestService(t, path, now)
	cs.Register(JobCheck, "17 3 * * *", okHandler(&calls))
	cs.RunJob(context.Background(), JobCheck, true)

	reloaded := newTestService(t, path, now)
	reloaded.Register(JobCheck, "17 3 * * *", okHandler(&calls))
	job, ok := reloaded.GetJob(JobCheck)
	if !ok || job.State.Runs != 1 || job.State.LastStatus != "ok" {
		t.Fatalf("reloaded job = %+v, ok=%v", job, ok)
	}

	// A changed expression reschedules.
	reloaded.Register(JobCheck, "0 4 * * *", okHandler(&calls))
	job, _ = reloaded.GetJob(JobCheck)
	want := time.Date(2026, 3, 5, 4, 0, 0, 0, time.UTC).UnixMilli()
	if job.State.NextRunAtMS == nil || *job.State.NextRunAtMS != want {
		t.Errorf("rescheduled next run = %v", job.State.NextRunAtMS)
	}
}

func TestService_StartStop(t *testing.T) {
	cs := NewService("")
	cs.tick = 5 * time.Millisecond
	var calls atomic.Int32
	cs.Register(JobBackfill, "* * * * *", okHandler(&calls))
	cs.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	cs.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cs.Stop()
	cs.Stop()

	if calls.Load() == 0 {
		t.Fatal("due job never ran")
	}
	if st := cs.Status(); st["enabled"] != false {
		t.Errorf("status after stop = %v", st)
	}
}

func TestRunLog_Bounded(t *testing.T) {
	cs := newTestService(t, "", time.Now())
	var calls atomic.Int32
	cs.Register(JobBackfill, "", okHandler(&calls))
	for i := 0; i < runLogSize+5; i++ {
		cs.RunJob(context.Background(), JobBackfill, true)
	}
	if got := len(cs.GetRunLog("", runLogSize+50)); got != runLogSize {
		t.Errorf("run log size = %d, want %d", got, runLogSize)
	}
	if got := len(cs.GetRunLog(JobBackfill, 0)); got != 20 {
		t.Errorf("default limit = %d, want 20", got)
	}
}
