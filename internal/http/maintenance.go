package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/bus"
	"github.com/nextlevelbuilder/memlens/internal/cron"
	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/pkg/protocol"
)

const eventKeepAlive = 25 * time.Second

type rebuildRequest struct {
	Async  bool   `json:"async,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// handleRebuild runs a full rebuild. With async it is queued on the
// running indexer and 202 is returned.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexer == nil {
		unavailable(w, r, "indexer")
		return
	}
	var req rebuildRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "http " + store.RequestIDFromContext(r.Context())
	}
	if req.Async {
		queued := s.deps.Indexer.ForceRebuild(req.Reason)
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
		return
	}
	rep, err := s.deps.Indexer.Rebuild(r.Context(), req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type checkRequest struct {
	Repair bool `json:"repair,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexer == nil {
		unavailable(w, r, "indexer")
		return
	}
	var req checkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	rep, err := s.deps.Indexer.Check(r.Context(), req.Repair)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep, "consistent": rep.Consistent()})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexer == nil {
		unavailable(w, r, "indexer")
		return
	}
	rep, err := s.deps.Indexer.Backfill(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexer == nil {
		unavailable(w, r, "indexer")
		return
	}
	st, err := s.deps.Indexer.Status(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleIndexEvents streams index events as server-sent events until the
// client disconnects. Slow clients lose events rather than stall the indexer.
func (s *Server) handleIndexEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		unavailable(w, r, "event bus")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, &protocol.ErrorShape{
			Code: protocol.ErrInternal, Message: "streaming unsupported",
		})
		return
	}

	events := make(chan bus.IndexEvent, 64)
	subID := "sse-" + store.RequestIDFromContext(r.Context())
	s.deps.Bus.Subscribe(subID, func(ev bus.IndexEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer s.deps.Bus.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(eventKeepAlive)
	defer ticker.Stop()
	var seq int64
	send := func(name string, payload any) error {
		seq++
		data, err := json.Marshal(protocol.EventFrame{Event: name, Seq: seq, Payload: payload})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if send(protocol.EventIndexRecord, ev) != nil {
				return
			}
		case <-ticker.C:
			if send(protocol.EventTick, nil) != nil {
				return
			}
		}
	}
}

type retentionRequest struct {
	Days   int  `json:"days,omitempty"`
	DryRun bool `json:"dry_run,omitempty"`
}

// handleRetention purges records older than days (default: the configured
// maintenance.retention_days).
func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	days := req.Days
	if days == 0 {
		days = s.opts.RetentionDays()
	}
	if days <= 0 {
		writeErr(w, r, store.Invalid("days", "must be positive (no retention_days configured)"))
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	stats, err := s.deps.Records.DeleteOlderThan(r.Context(), cutoff, req.DryRun)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, r, "maintenance scheduler")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   s.deps.Jobs.ListJobs(),
		"status": s.deps.Jobs.Status(),
	})
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, r, "maintenance scheduler")
		return
	}
	name := r.PathValue("name")
	if _, ok := s.deps.Jobs.GetJob(name); !ok {
		writeErr(w, r, fmt.Errorf("job %q: %w", name, store.ErrNotFound))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 20, 200)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	runs := s.deps.Jobs.GetRunLog(name, limit)
	if runs == nil {
		runs = []cron.RunLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type runJobRequest struct {
	Force *bool `json:"force,omitempty"`
}

// handleRunJob runs a job synchronously. force defaults to true; with
// force=false the job only runs when due.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, r, "maintenance scheduler")
		return
	}
	var req runJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	name := r.PathValue("name")
	if _, ok := s.deps.Jobs.GetJob(name); !ok {
		writeErr(w, r, fmt.Errorf("job %q: %w", name, store.ErrNotFound))
		return
	}
	force := req.Force == nil || *req.Force
	ran, summary, err := s.deps.Jobs.RunJob(r.Context(), name, force)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "ran": ran, "summary": summary})
}
