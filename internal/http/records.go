package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

// recordRequest is a capture pipeline write. Either timestamp (RFC 3339)
// or timestamp_ms is required; id is optional.
type recordRequest struct {
	ID          int64      `json:"id,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	TimestampMs int64      `json:"timestamp_ms,omitempty"`
	AppName     string     `json:"app_name"`
	WindowTitle string     `json:"window_title"`
	Text        *string    `json:"text,omitempty"`
	Fingerprint *string    `json:"fingerprint,omitempty"`
}

func (req recordRequest) record() store.ActivityRecord {
	rec := store.ActivityRecord{
		ID:          req.ID,
		AppName:     req.AppName,
		WindowTitle: req.WindowTitle,
		Text:        req.Text,
		Fingerprint: req.Fingerprint,
	}
	switch {
	case req.Timestamp != nil:
		rec.Timestamp = *req.Timestamp
	case req.TimestampMs > 0:
		rec.Timestamp = time.UnixMilli(req.TimestampMs)
	}
	return rec
}

// dedupeKey identifies retried capture writes; records without a
// fingerprint are never deduplicated.
func dedupeKey(rec store.ActivityRecord) string {
	if rec.Fingerprint == nil || *rec.Fingerprint == "" {
		return ""
	}
	return fmt.Sprintf("%s|%d", *rec.Fingerprint, rec.Timestamp.UnixMilli())
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	rec := req.record()
	if rec.ID < 0 {
		writeErr(w, r, store.Invalid("id", "must be positive"))
		return
	}

	key := dedupeKey(rec)
	if key != "" {
		if id, ok := s.dedupe.Lookup(key); ok {
			if _, err := s.deps.Records.Get(r.Context(), id); err == nil {
				writeJSON(w, http.StatusOK, map[string]any{"id": id, "duplicate": true})
				return
			}
			s.dedupe.Forget(key)
		}
	}

	id, err := s.deps.Records.Insert(r.Context(), rec)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if key != "" {
		s.dedupe.Remember(key, id)
	}
	slog.Debug("http.record.inserted", "id", id, "app", rec.AppName, "has_text", rec.HasText())
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "duplicate": false})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	rec, err := s.deps.Records.Get(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.deps.Records.Delete(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

type setTextRequest struct {
	Text *string `json:"text"`
}

// handleSetText replaces a record's text; null clears it.
func (s *Server) handleSetText(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req setTextRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.deps.Records.UpdateText(r.Context(), id, req.Text); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "updated": true})
}

func (s *Server) handleByFingerprint(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	if !isValidFingerprint(fp) {
		writeErr(w, r, store.Invalid("fingerprint", "malformed"))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 10, 500)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	recs, err := s.deps.Records.FindByFingerprint(r.Context(), fp, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []store.ActivityRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "count": len(recs)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Records.Stats(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
