package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueuedWrite is a write request captured while the network was unavailable.
type QueuedWrite struct {
	ID         uuid.UUID // Unique identifier, time ordered (v7).
	Method     string    // HTTP method (POST, PUT, PATCH, DELETE).
	URL        string    // Absolute target URL.
	Raw        []byte    // Complete raw HTTP request including the body.
	EnqueuedAt time.Time // Time the write was captured.
}

// QueueRepository persists the bounded-retention write queue.
type QueueRepository interface {
	// Enqueue appends a write to the queue.
	Enqueue(ctx context.Context, write *QueuedWrite) error

	// ListQueued returns every queued write in enqueue order.
	ListQueued(ctx context.Context) ([]*QueuedWrite, error)

	// DeleteQueued removes a write after it was delivered or discarded.
	DeleteQueued(ctx context.Context, id uuid.UUID) error

	// ExpireQueued removes and returns every write enqueued before cutoff.
	ExpireQueued(ctx context.Context, cutoff time.Time) ([]*QueuedWrite, error)
}
