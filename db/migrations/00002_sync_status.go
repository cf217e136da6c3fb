package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

func init() {
	goose.AddMigrationContext(upSyncStatus, downSyncStatus)
}

var syncedTables = []string{"products", "orders"}

// upSyncStatus splits the boolean pending flag into an explicit status so records
// rejected by the backend can be told apart from synced ones.
func upSyncStatus(ctx context.Context, tx *sql.Tx) error {
	for _, table := range syncedTables {
		alterQuery := fmt.Sprintf(`
			ALTER TABLE %[1]s ADD COLUMN sync_status TEXT NOT NULL DEFAULT 'synced';
			ALTER TABLE %[1]s ADD COLUMN sync_error TEXT NOT NULL DEFAULT '';
		`, table)
		_, err := tx.ExecContext(ctx, alterQuery)
		if err != nil {
			return fmt.Errorf("adding sync columns to %s : %w", table, err)
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT id, pending_sync FROM %s", table))
		if err != nil {
			return fmt.Errorf("getting all rows of %s : %w", table, err)
		}

		pending := make([]string, 0)
		for rows.Next() {
			var id string
			var pendingSync bool
			if err := rows.Scan(&id, &pendingSync); err != nil {
				rows.Close()
				return fmt.Errorf("scanning row: %w", err)
			}
			if pendingSync {
				pending = append(pending, id)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterating rows: %w", err)
		}

		for _, id := range pending {
			_, err = tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET sync_status = 'pending' WHERE id = ?", table), id)
			if err != nil {
				return fmt.Errorf("updating row %s : %w", id, err)
			}
		}
	}
	return nil
}

func downSyncStatus(ctx context.Context, tx *sql.Tx) error {
	for _, table := range syncedTables {
		// Failed records go back to pending so the old engine retries them.
		_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET pending_sync = 1 WHERE sync_status = 'failed'", table))
		if err != nil {
			return fmt.Errorf("restoring failed rows of %s : %w", table, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN sync_error", table))
		if err != nil {
			return fmt.Errorf("dropping sync_error column : %w", err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN sync_status", table))
		if err != nil {
			return fmt.Errorf("dropping sync_status column : %w", err)
		}
	}
	return nil
}
