package domain

import (
	"context"
	"time"
)

// CachedResponse is the last successful response observed for a read request.
type CachedResponse struct {
	Key         string    // Method and URL the response answers.
	URL         string    // Absolute request URL.
	Raw         []byte    // Complete raw HTTP response with a decoded body.
	ContentType string    // Media type of the body.
	StoredAt    time.Time // Time the response was cached.
}

// ResponseCacheRepository persists responses served to readers while offline.
type ResponseCacheRepository interface {
	// PutResponse stores or replaces a cached response.
	PutResponse(ctx context.Context, res *CachedResponse) error

	// GetResponse returns the cached response for key or ErrRecordNotFound.
	GetResponse(ctx context.Context, key string) (*CachedResponse, error)

	// InvalidateResponses removes every cached response whose URL contains fragment.
	// It returns the number of removed entries.
	InvalidateResponses(ctx context.Context, fragment string) (int, error)
}
