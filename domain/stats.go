package domain

import "context"

// StatsRepository defines the interface for counting sync state in the local store.
type StatsRepository interface {
	// CountPending returns the number of records waiting to be replayed.
	CountPending(ctx context.Context) (int, error)
	// CountFailed returns the number of records in the terminal failed status.
	CountFailed(ctx context.Context) (int, error)
	// CountQueued returns the number of writes in the interception queue.
	CountQueued(ctx context.Context) (int, error)
}
