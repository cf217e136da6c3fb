package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/leafymarket/leafsync/domain"
)

var _ domain.ResponseCacheRepository = (*Repository)(nil)

// dbCachedResponse represents a cached read response as stored in the database.
type dbCachedResponse struct {
	Key         string `db:"key"`
	URL         string `db:"url"`
	Raw         []byte `db:"raw"`
	ContentType string `db:"content_type"`
	StoredAt    int64  `db:"stored_at"`
}

// PutResponse stores or replaces the cached response for its key.
func (repo *Repository) PutResponse(ctx context.Context, res *domain.CachedResponse) error {
	query := `INSERT INTO response_cache (key, url, raw, content_type, stored_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET url = excluded.url, raw = excluded.raw, content_type = excluded.content_type, stored_at = excluded.stored_at`

	_, err := repo.dbConn.ExecContext(ctx, query, res.Key, res.URL, res.Raw, res.ContentType, toMillis(res.StoredAt))
	if err != nil {
		return storageError(err, "caching response %s", res.Key)
	}
	return nil
}

// GetResponse returns the cached response for key.
func (repo *Repository) GetResponse(ctx context.Context, key string) (*domain.CachedResponse, error) {
	var row dbCachedResponse
	err := repo.dbConn.GetContext(ctx, &row, `SELECT key, url, raw, content_type, stored_at FROM response_cache WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cached response %s : %w", key, domain.ErrRecordNotFound)
		}
		return nil, storageError(err, "getting cached response %s", key)
	}

	return &domain.CachedResponse{
		Key:         row.Key,
		URL:         row.URL,
		Raw:         row.Raw,
		ContentType: row.ContentType,
		StoredAt:    fromMillis(row.StoredAt),
	}, nil
}

// InvalidateResponses removes the cached responses whose URL contains fragment.
func (repo *Repository) InvalidateResponses(ctx context.Context, fragment string) (int, error) {
	res, err := repo.dbConn.ExecContext(ctx, `DELETE FROM response_cache WHERE instr(url, ?) > 0`, fragment)
	if err != nil {
		return 0, storageError(err, "invalidating responses matching %q", fragment)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError(err, "invalidating responses matching %q", fragment)
	}
	return int(n), nil
}
