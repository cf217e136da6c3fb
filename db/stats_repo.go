package db

import (
	"context"
	"fmt"

	"github.com/leafymarket/leafsync/domain"
)

var _ domain.StatsRepository = (*Repository)(nil)

func (repo *Repository) countRecords(ctx context.Context, where string) (int, error) {
	total := 0
	for _, kind := range domain.ReplayOrder {
		var count int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", domain.Schemas[kind].Table, where)

		err := repo.dbConn.GetContext(ctx, &count, query)
		if err != nil {
			return 0, storageError(err, "counting %s", kind)
		}
		total += count
	}
	return total, nil
}

// CountPending returns the number of records waiting to be replayed across all kinds.
func (repo *Repository) CountPending(ctx context.Context) (int, error) {
	return repo.countRecords(ctx, "pending_sync = 1")
}

// CountFailed returns the number of records rejected by the backend across all kinds.
func (repo *Repository) CountFailed(ctx context.Context) (int, error) {
	return repo.countRecords(ctx, "sync_status = 'failed'")
}

// CountQueued returns the number of writes in the interception queue.
func (repo *Repository) CountQueued(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM write_queue`

	err := repo.dbConn.GetContext(ctx, &count, query)
	if err != nil {
		return 0, storageError(err, "getting queue count")
	}

	return count, nil
}
