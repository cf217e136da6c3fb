package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/leafymarket/leafsync/domain"
)

var _ domain.QueueRepository = (*Repository)(nil)

// dbQueuedWrite represents a captured write request as stored in the database.
type dbQueuedWrite struct {
	ID         uuid.UUID `db:"id"`          // Time ordered identifier.
	Method     string    `db:"method"`      // HTTP method of the captured request.
	URL        string    `db:"url"`         // Absolute target URL.
	Raw        []byte    `db:"raw"`         // Raw HTTP request.
	EnqueuedAt int64     `db:"enqueued_at"` // Unix milliseconds of the capture.
}

func toDomainQueuedWrite(row *dbQueuedWrite) *domain.QueuedWrite {
	return &domain.QueuedWrite{
		ID:         row.ID,
		Method:     row.Method,
		URL:        row.URL,
		Raw:        row.Raw,
		EnqueuedAt: fromMillis(row.EnqueuedAt),
	}
}

// Enqueue appends a write to the queue.
func (repo *Repository) Enqueue(ctx context.Context, write *domain.QueuedWrite) error {
	query := `INSERT INTO write_queue (id, method, url, raw, enqueued_at) VALUES (?, ?, ?, ?, ?)`

	_, err := repo.dbConn.ExecContext(ctx, query, write.ID, write.Method, write.URL, write.Raw, toMillis(write.EnqueuedAt))
	if err != nil {
		return storageError(err, "enqueuing write %s", write.ID)
	}
	return nil
}

// ListQueued returns the queued writes oldest first.
func (repo *Repository) ListQueued(ctx context.Context) ([]*domain.QueuedWrite, error) {
	var rows []*dbQueuedWrite
	err := repo.dbConn.SelectContext(ctx, &rows, `SELECT id, method, url, raw, enqueued_at FROM write_queue ORDER BY enqueued_at, id`)
	if err != nil {
		return nil, storageError(err, "fetching queued writes")
	}

	writes := make([]*domain.QueuedWrite, len(rows))
	for i, row := range rows {
		writes[i] = toDomainQueuedWrite(row)
	}
	return writes, nil
}

// DeleteQueued removes a queued write.
func (repo *Repository) DeleteQueued(ctx context.Context, id uuid.UUID) error {
	_, err := repo.dbConn.ExecContext(ctx, `DELETE FROM write_queue WHERE id = ?`, id)
	if err != nil {
		return storageError(err, "deleting queued write %s", id)
	}
	return nil
}

// ExpireQueued removes and returns the writes enqueued before cutoff.
func (repo *Repository) ExpireQueued(ctx context.Context, cutoff time.Time) ([]*domain.QueuedWrite, error) {
	tx, err := repo.dbConn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageError(err, "starting queue expiry")
	}
	defer tx.Rollback()

	var rows []*dbQueuedWrite
	err = tx.SelectContext(ctx, &rows, `SELECT id, method, url, raw, enqueued_at FROM write_queue WHERE enqueued_at < ? ORDER BY enqueued_at, id`, toMillis(cutoff))
	if err != nil {
		return nil, storageError(err, "fetching expired writes")
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM write_queue WHERE enqueued_at < ?`, toMillis(cutoff))
	if err != nil {
		return nil, storageError(err, "deleting expired writes")
	}

	if err := tx.Commit(); err != nil {
		return nil, storageError(err, "committing queue expiry")
	}

	expired := make([]*domain.QueuedWrite, len(rows))
	for i, row := range rows {
		expired[i] = toDomainQueuedWrite(row)
	}
	return expired, nil
}
