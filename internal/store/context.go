package store

import (
	"context"
	"time"
)

type contextKey string

const (
	// RequestIDKey carries the caller-visible request id (HTTP X-Request-Id, MCP call).
	RequestIDKey contextKey = "memlens_request_id"
	// LocationKey carries the caller's time zone for resolving relative dates.
	LocationKey contextKey = "memlens_location"
)

// WithRequestID returns a new context with the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestIDFromContext extracts the request id. Returns "" if not set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithLocation returns a new context carrying the caller's time zone.
func WithLocation(ctx context.Context, loc *time.Location) context.Context {
	if loc == nil {
		return ctx
	}
	return context.WithValue(ctx, LocationKey, loc)
}

// LocationFromContext returns the caller's time zone, defaulting to time.Local.
func LocationFromContext(ctx context.Context) *time.Location {
	if v, ok := ctx.Value(LocationKey).(*time.Location); ok && v != nil {
		return v
	}
	return time.Local
}
