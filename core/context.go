package core

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	// BypassQueueKey is the context key for the flag (bool) that keeps a request out of the write queue.
	// Reconciliation calls carry it so a failed replay is reported to the engine instead of being queued.
	BypassQueueKey contextKey = "BypassQueue"
	// CorrelationIDKey is the context key for the correlation ID (uuid.UUID) shared by a request and its log lines.
	CorrelationIDKey contextKey = "CorrelationID"
	// CacheHitKey is the context key for the flag (bool) set when a response was served from the local cache.
	CacheHitKey contextKey = "CacheHit"
)

// ContextWithBypassQueue returns a context whose requests are never queued when offline
func ContextWithBypassQueue(ctx context.Context) context.Context {
	return context.WithValue(ctx, BypassQueueKey, true)
}

// BypassQueueFromContext returns the bypass flag from the context if it exists
func BypassQueueFromContext(ctx context.Context) (bool, bool) {
	bypass, ok := ctx.Value(BypassQueueKey).(bool)
	return bypass, ok
}

// ContextWithCorrelationID returns a new request with a correlation ID in the context
func ContextWithCorrelationID(req *http.Request, id uuid.UUID) *http.Request {
	ctx := context.WithValue(req.Context(), CorrelationIDKey, id)
	return req.WithContext(ctx)
}

// CorrelationIDFromContext returns the correlation ID from the context if it exists
func CorrelationIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(CorrelationIDKey).(uuid.UUID)
	return id, ok
}

// ContextWithCacheHit returns a new request flagged as answered from the local cache
func ContextWithCacheHit(req *http.Request, hit bool) *http.Request {
	ctx := context.WithValue(req.Context(), CacheHitKey, hit)
	return req.WithContext(ctx)
}

// CacheHitFromContext returns the cache hit flag from the context if it exists
func CacheHitFromContext(ctx context.Context) (bool, bool) {
	hit, ok := ctx.Value(CacheHitKey).(bool)
	return hit, ok
}
