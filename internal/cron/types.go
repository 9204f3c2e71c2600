// Package cron runs the recurring maintenance jobs: vector backfill, index
// consistency checks and retention cleanup. Schedules are standard 5-field
// cron expressions parsed by gronx; job state is persisted to a small JSON
// file so a restart does not re-run a job that already fired.
package cron

import (
	"context"
	"time"
)

// Built-in job names.
const (
	JobBackfill  = "backfill"
	JobCheck     = "check"
	JobRetention = "retention"
)

// JobState tracks runtime state for a job.
type JobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs"`
}

// Job is a registered maintenance job. An empty Expr means manual-only.
type Job struct {
	Name    string   `json:"name"`
	Expr    string   `json:"expr,omitempty"`
	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`
}

// stateFile is the persisted form of all jobs.
type stateFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// RunLogEntry is an in-memory record of a job execution.
type RunLogEntry struct {
	Ts         int64  `json:"ts"`
	Job        string `json:"job"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"durationMs"`
	Manual     bool   `json:"manual,omitempty"`
}

// JobHandler does the work of one job and returns a short summary.
type JobHandler func(ctx context.Context) (string, error)

const maxSummary = 240

func truncateSummary(s string) string {
	r := []rune(s)
	if len(r) <= maxSummary {
		return s
	}
	return string(r[:maxSummary]) + "..."
}

func msPtr(t time.Time) *int64 {
	ms := t.UnixMilli()
	return &ms
}
