// Package http serves the memlens REST API: search, intent parsing, record
// ingest for capture pipelines, and index maintenance.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/memlens/internal/bus"
	"github.com/nextlevelbuilder/memlens/internal/cron"
	"github.com/nextlevelbuilder/memlens/internal/indexer"
	"github.com/nextlevelbuilder/memlens/internal/intent"
	"github.com/nextlevelbuilder/memlens/internal/search"
	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/pkg/protocol"
)

const maxBodyBytes = 1 << 20

// Deps are the services the API exposes. Indexer, Bus and Jobs may be nil,
// in which case their endpoints answer 503.
type Deps struct {
	Records    store.RecordStore
	Engine     *search.Engine
	Translator *intent.Translator
	Indexer    *indexer.Indexer
	Bus        *bus.RecordBus
	Jobs       *cron.Service
}

// Options tune the server. Token and RetentionDays are read per request so
// config reloads apply.
type Options struct {
	Token         func() string
	RetentionDays func() int
	RatePerMinute int
	Burst         int
	Version       string
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	opts    Options
	limiter *RateLimiter
	dedupe  *bus.DedupeCache
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	if opts.RetentionDays == nil {
		opts.RetentionDays = func() int { return 0 }
	}
	return &Server{
		deps:    deps,
		opts:    opts,
		limiter: NewRateLimiter(opts.RatePerMinute, opts.Burst),
		dedupe:  bus.NewDedupeCache(10*time.Minute, 10_000),
	}
}

// RegisterRoutes adds every API route to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/search", s.guard(s.handleSearch))
	mux.HandleFunc("POST /v1/intent", s.guard(s.handleIntent))
	mux.HandleFunc("POST /v1/ask", s.guard(s.handleAsk))

	mux.HandleFunc("POST /v1/records", s.guard(s.handleInsert))
	mux.HandleFunc("GET /v1/records/{id}", s.guard(s.handleGetRecord))
	mux.HandleFunc("DELETE /v1/records/{id}", s.guard(s.handleDeleteRecord))
	mux.HandleFunc("PATCH /v1/records/{id}/text", s.guard(s.handleSetText))
	mux.HandleFunc("GET /v1/records/by-fingerprint/{fp}", s.guard(s.handleByFingerprint))
	mux.HandleFunc("GET /v1/stats", s.guard(s.handleStats))

	mux.HandleFunc("POST /v1/index/rebuild", s.guard(s.handleRebuild))
	mux.HandleFunc("POST /v1/index/check", s.guard(s.handleCheck))
	mux.HandleFunc("POST /v1/index/backfill", s.guard(s.handleBackfill))
	mux.HandleFunc("GET /v1/index/status", s.guard(s.handleIndexStatus))
	mux.HandleFunc("GET /v1/index/events", s.guard(s.handleIndexEvents))
	mux.HandleFunc("POST /v1/retention/cleanup", s.guard(s.handleRetention))

	mux.HandleFunc("GET /v1/maintenance/jobs", s.guard(s.handleListJobs))
	mux.HandleFunc("GET /v1/maintenance/jobs/{name}/runs", s.guard(s.handleJobRuns))
	mux.HandleFunc("POST /v1/maintenance/jobs/{name}/run", s.guard(s.handleRunJob))
}

// Handler returns the API with request-id and access-log middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return withRequestLog(mux)
}

// guard applies bearer auth, then the per-client rate limit.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatch(extractBearerToken(r), s.opts.Token()) {
			writeError(w, r, http.StatusUnauthorized, &protocol.ErrorShape{
				Code: protocol.ErrUnauthorized, Message: "invalid or missing bearer token",
			})
			return
		}
		if ok, wait := s.limiter.Allow(clientKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			writeError(w, r, http.StatusTooManyRequests, &protocol.ErrorShape{
				Code: protocol.ErrResourceExhausted, Message: "rate limit exceeded",
				Retryable: true, RetryAfterMs: retryAfterMs(wait),
			})
			return
		}
		next(w, r)
	}
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(store.WithRequestID(r.Context(), reqID))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= 500 {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http.request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(), "request_id", reqID)
	})
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, shape *protocol.ErrorShape) {
	writeJSON(w, status, protocol.ErrorResponse{Error: shape, RequestID: store.RequestIDFromContext(r.Context())})
}

// writeErr maps err onto a status code and protocol error code.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, protocol.ErrInternal
	retryable := false

	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		status, code = http.StatusBadRequest, protocol.ErrInvalidRequest
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, protocol.ErrNotFound
	case errors.Is(err, indexer.ErrRebuildRunning):
		status, code, retryable = http.StatusConflict, protocol.ErrAlreadyExists, true
	case errors.Is(err, store.ErrEmbeddingDisabled):
		status, code = http.StatusConflict, protocol.ErrFailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		status, code, retryable = http.StatusGatewayTimeout, protocol.ErrTimeout, true
	case errors.Is(err, store.ErrIndexUnavailable), errors.Is(err, store.ErrExternalCall):
		status, code, retryable = http.StatusServiceUnavailable, protocol.ErrUnavailable, true
	}
	if status >= 500 {
		slog.Error("http.handler.failed", "path", r.URL.Path, "error", err,
			"request_id", store.RequestIDFromContext(r.Context()))
	}
	writeError(w, r, status, &protocol.ErrorShape{Code: code, Message: err.Error(), Retryable: retryable})
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, r, http.StatusServiceUnavailable, &protocol.ErrorShape{
		Code: protocol.ErrUnavailable, Message: what + " is not running in this process",
	})
}

// decodeBody reads a JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return store.Invalid("body", "%v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "version": s.opts.Version}
	if s.deps.Indexer != nil {
		resp["indexer_running"] = s.deps.Indexer.Running()
	}
	if s.deps.Engine != nil {
		resp["semantic"] = s.deps.Engine.SemanticEnabled()
	}
	if s.deps.Translator != nil {
		resp["llm"] = s.deps.Translator.LLMEnabled()
	}
	writeJSON(w, http.StatusOK, resp)
}

func requestLocation(r *http.Request, tz string) (context.Context, error) {
	if tz == "" {
		tz = r.Header.Get("X-Timezone")
	}
	loc, err := parseLocation(tz)
	if err != nil {
		return nil, err
	}
	return store.WithLocation(r.Context(), loc), nil
}

func pathID(r *http.Request) (int64, error) {
	return parseID(r.PathValue("id"))
}
