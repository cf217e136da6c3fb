package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leafymarket/leafsync/domain"
)

var _ domain.EntityRepository = (*Repository)(nil)

const recordColumns = "id, attributes, pending_sync, sync_status, sync_error, op, seq, version, create_version, updated_at"

// dbRecord represents an entity record as stored in its kind's table.
// Index columns are derived from the attributes and never read back.
type dbRecord struct {
	ID            string   `db:"id"`             // Backend or provisional id.
	Attributes    Metadata `db:"attributes"`     // Entity payload as JSON.
	PendingSync   bool     `db:"pending_sync"`   // Set while the record waits to be replayed.
	SyncStatus    string   `db:"sync_status"`    // synced, pending or failed.
	SyncError     string   `db:"sync_error"`     // Backend message of the last rejection.
	Op            string   `db:"op"`             // create or update.
	Seq           int64    `db:"seq"`            // Creation order within the table.
	Version       int64    `db:"version"`        // Incremented on every local write.
	CreateVersion int64    `db:"create_version"` // Version a pending create is keyed on.
	UpdatedAt     int64    `db:"updated_at"`     // Unix milliseconds of the last local write.
}

// toDomainRecord converts a dbRecord to a domain.Record.
func toDomainRecord(kind domain.Kind, row *dbRecord) *domain.Record {
	attrs := map[string]any(row.Attributes)
	if attrs == nil {
		attrs = make(map[string]any)
	}
	return &domain.Record{
		Kind:          kind,
		ID:            row.ID,
		Attributes:    attrs,
		PendingSync:   row.PendingSync,
		Status:        domain.SyncStatus(row.SyncStatus),
		Op:            domain.Op(row.Op),
		Seq:           row.Seq,
		Version:       row.Version,
		CreateVersion: row.CreateVersion,
		SyncError:     row.SyncError,
		UpdatedAt:     fromMillis(row.UpdatedAt),
	}
}

// indexColumns returns the index columns of a schema in a stable order.
func indexColumns(schema domain.Schema) []string {
	cols := make([]string, 0, len(schema.Indexes))
	for col := range schema.Indexes {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// indexValues extracts the index column values from the attributes, in indexColumns order.
func indexValues(schema domain.Schema, attrs map[string]any) []any {
	cols := indexColumns(schema)
	values := make([]any, len(cols))
	for i, col := range cols {
		v, _ := domain.IDString(attrs[schema.Indexes[col]])
		values[i] = v
	}
	return values
}

// columnFor returns the index column holding attr.
func columnFor(schema domain.Schema, attr string) (string, bool) {
	for col, key := range schema.Indexes {
		if key == attr {
			return col, true
		}
	}
	return "", false
}

// upsertParts renders the index column fragments used by the insert statements.
func upsertParts(schema domain.Schema) (names, placeholders, updates string) {
	var n, p, u strings.Builder
	for _, col := range indexColumns(schema) {
		n.WriteString(col + ", ")
		p.WriteString("?, ")
		u.WriteString(fmt.Sprintf("%s = excluded.%s, ", col, col))
	}
	return n.String(), p.String(), u.String()
}

func selectQuery(schema domain.Schema, where string) string {
	return fmt.Sprintf("SELECT %s FROM %s %s", recordColumns, schema.Table, where)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Put upserts a record. A new row gets the next sequence number of its table,
// an existing row keeps its sequence number and has its version bumped.
func (repo *Repository) Put(ctx context.Context, rec *domain.Record) error {
	schema, err := domain.SchemaFor(rec.Kind)
	if err != nil {
		return err
	}

	status := domain.StatusSynced
	if rec.PendingSync {
		status = domain.StatusPending
	}

	op := rec.Op
	if op == "" {
		op = domain.OpUpdate
		if domain.IsProvisional(rec.ID) {
			op = domain.OpCreate
		}
	}

	names, placeholders, updates := upsertParts(schema)
	query := fmt.Sprintf(`INSERT INTO %[1]s (id, attributes, %[2]spending_sync, sync_status, sync_error, op, seq, version, updated_at)
		VALUES (?, ?, %[3]s?, ?, '', ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM %[1]s), 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			attributes = excluded.attributes,
			%[4]spending_sync = excluded.pending_sync,
			sync_status = excluded.sync_status,
			sync_error = '',
			op = CASE WHEN %[1]s.op = 'create' AND %[1]s.sync_status != 'synced' THEN 'create' ELSE excluded.op END,
			version = %[1]s.version + 1,
			updated_at = excluded.updated_at
		RETURNING seq, version, create_version, op`, schema.Table, names, placeholders, updates)

	now := time.Now()
	args := []any{rec.ID, Metadata(rec.Attributes)}
	args = append(args, indexValues(schema, rec.Attributes)...)
	args = append(args, boolInt(rec.PendingSync), string(status), string(op), toMillis(now))

	var seq, version, createVersion int64
	var storedOp string
	err = repo.dbConn.QueryRowxContext(ctx, query, args...).Scan(&seq, &version, &createVersion, &storedOp)
	if err != nil {
		return storageError(err, "upserting %s %s", rec.Kind, rec.ID)
	}

	rec.Seq = seq
	rec.Version = version
	rec.CreateVersion = createVersion
	rec.Op = domain.Op(storedOp)
	rec.Status = status
	rec.SyncError = ""
	rec.UpdatedAt = fromMillis(toMillis(now))
	return nil
}

// CacheRecord stores a backend copy of an entity unless the local row is pending or failed.
func (repo *Repository) CacheRecord(ctx context.Context, rec *domain.Record) error {
	schema, err := domain.SchemaFor(rec.Kind)
	if err != nil {
		return err
	}

	names, placeholders, updates := upsertParts(schema)
	query := fmt.Sprintf(`INSERT INTO %[1]s (id, attributes, %[2]spending_sync, sync_status, sync_error, op, seq, version, updated_at)
		VALUES (?, ?, %[3]s0, 'synced', '', 'update', (SELECT COALESCE(MAX(seq), 0) + 1 FROM %[1]s), 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			attributes = excluded.attributes,
			%[4]supdated_at = excluded.updated_at
		WHERE %[1]s.pending_sync = 0 AND %[1]s.sync_status = 'synced'`, schema.Table, names, placeholders, updates)

	args := []any{rec.ID, Metadata(rec.Attributes)}
	args = append(args, indexValues(schema, rec.Attributes)...)
	args = append(args, toMillis(time.Now()))

	_, err = repo.dbConn.ExecContext(ctx, query, args...)
	if err != nil {
		return storageError(err, "caching %s %s", rec.Kind, rec.ID)
	}
	return nil
}

// Get retrieves a single record by kind and id.
func (repo *Repository) Get(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	schema, err := domain.SchemaFor(kind)
	if err != nil {
		return nil, err
	}

	var row dbRecord
	err = repo.dbConn.GetContext(ctx, &row, selectQuery(schema, "WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s : %w", kind, id, domain.ErrRecordNotFound)
		}
		return nil, storageError(err, "getting %s %s", kind, id)
	}
	return toDomainRecord(kind, &row), nil
}

func (repo *Repository) selectRecords(ctx context.Context, q sqlx.QueryerContext, schema domain.Schema, where string, args ...any) ([]*domain.Record, error) {
	var rows []*dbRecord
	err := sqlx.SelectContext(ctx, q, &rows, selectQuery(schema, where), args...)
	if err != nil {
		return nil, storageError(err, "fetching %s", schema.Kind)
	}

	records := make([]*domain.Record, len(rows))
	for i, row := range rows {
		records[i] = toDomainRecord(schema.Kind, row)
	}
	return records, nil
}

// GetAll retrieves every record of a kind in creation order.
func (repo *Repository) GetAll(ctx context.Context, kind domain.Kind) ([]*domain.Record, error) {
	schema, err := domain.SchemaFor(kind)
	if err != nil {
		return nil, err
	}
	return repo.selectRecords(ctx, repo.dbConn, schema, "ORDER BY seq")
}

// GetByIndex retrieves the records of a kind whose index column equals value.
func (repo *Repository) GetByIndex(ctx context.Context, kind domain.Kind, indexName string, value string) ([]*domain.Record, error) {
	schema, err := domain.SchemaFor(kind)
	if err != nil {
		return nil, err
	}
	if _, ok := schema.Indexes[indexName]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownIndex, kind, indexName)
	}
	return repo.selectRecords(ctx, repo.dbConn, schema, fmt.Sprintf("WHERE %s = ? ORDER BY seq", indexName), value)
}

// ListPending retrieves the pending records of every kind.
func (repo *Repository) ListPending(ctx context.Context) (map[domain.Kind][]*domain.Record, error) {
	pending := make(map[domain.Kind][]*domain.Record, len(domain.Schemas))
	for _, kind := range domain.ReplayOrder {
		records, err := repo.selectRecords(ctx, repo.dbConn, domain.Schemas[kind], "WHERE pending_sync = 1 ORDER BY seq")
		if err != nil {
			return nil, err
		}
		pending[kind] = records
	}
	return pending, nil
}

func (repo *Repository) updateVersioned(ctx context.Context, kind domain.Kind, id string, set string, args ...any) (bool, error) {
	schema, err := domain.SchemaFor(kind)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND version = ? AND pending_sync = 1", schema.Table, set)
	res, err := repo.dbConn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, storageError(err, "updating %s %s", kind, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageError(err, "updating %s %s", kind, id)
	}
	return n > 0, nil
}

// MarkSynced clears the pending flag when version is still the stored version.
func (repo *Repository) MarkSynced(ctx context.Context, kind domain.Kind, id string, version int64) (bool, error) {
	return repo.updateVersioned(ctx, kind, id,
		"pending_sync = 0, sync_status = 'synced', sync_error = '', op = 'update'",
		id, version)
}

// MarkFailed moves the record to the failed status when version is still the stored version.
func (repo *Repository) MarkFailed(ctx context.Context, kind domain.Kind, id string, version int64, reason string) (bool, error) {
	return repo.updateVersioned(ctx, kind, id,
		"pending_sync = 0, sync_status = 'failed', sync_error = ?",
		reason, id, version)
}

// ListFailed retrieves every failed record.
func (repo *Repository) ListFailed(ctx context.Context) ([]*domain.Record, error) {
	failed := make([]*domain.Record, 0)
	for _, kind := range domain.ReplayOrder {
		records, err := repo.selectRecords(ctx, repo.dbConn, domain.Schemas[kind], "WHERE sync_status = 'failed' ORDER BY seq")
		if err != nil {
			return nil, err
		}
		failed = append(failed, records...)
	}
	return failed, nil
}

// Retry moves a failed record back to pending. A failed create is keyed on its new version
// so the rejected attempt's idempotency key is not reused.
func (repo *Repository) Retry(ctx context.Context, kind domain.Kind, id string) error {
	schema, err := domain.SchemaFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET pending_sync = 1, sync_status = 'pending', sync_error = '',
			version = version + 1, create_version = version + 1, updated_at = ?
		WHERE id = ? AND sync_status = 'failed'`, schema.Table)
	res, err := repo.dbConn.ExecContext(ctx, query, toMillis(time.Now()), id)
	if err != nil {
		return storageError(err, "retrying %s %s", kind, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed %s %s : %w", kind, id, domain.ErrRecordNotFound)
	}
	return nil
}

// Discard deletes a record.
func (repo *Repository) Discard(ctx context.Context, kind domain.Kind, id string) error {
	schema, err := domain.SchemaFor(kind)
	if err != nil {
		return err
	}

	res, err := repo.dbConn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", schema.Table), id)
	if err != nil {
		return storageError(err, "discarding %s %s", kind, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s : %w", kind, id, domain.ErrRecordNotFound)
	}
	return nil
}

// NextProvisionalID allocates the next provisional id from a persistent counter,
// so ids are never reused across restarts.
func (repo *Repository) NextProvisionalID(ctx context.Context) (string, error) {
	query := `INSERT INTO sequences (name, value) VALUES ('provisional', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`

	var n int64
	if err := repo.dbConn.QueryRowxContext(ctx, query).Scan(&n); err != nil {
		return "", storageError(err, "allocating provisional id")
	}
	return domain.ProvisionalID(n), nil
}

// RemapID swaps a provisional record for its backend-confirmed copy in a single transaction.
func (repo *Repository) RemapID(ctx context.Context, kind domain.Kind, provisionalID string, confirmed *domain.Record, version int64) error {
	schema, err := domain.SchemaFor(kind)
	if err != nil {
		return err
	}

	tx, err := repo.dbConn.BeginTxx(ctx, nil)
	if err != nil {
		return storageError(err, "starting remap of %s %s", kind, provisionalID)
	}
	defer tx.Rollback()

	var row dbRecord
	err = tx.GetContext(ctx, &row, selectQuery(schema, "WHERE id = ?"), provisionalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s : %w", kind, provisionalID, domain.ErrRecordNotFound)
		}
		return storageError(err, "reading %s %s", kind, provisionalID)
	}

	attrs := map[string]any(confirmed.Attributes)
	status := domain.StatusSynced
	if row.Version != version {
		// Edited while the create was in flight; the local edit is replayed as an update.
		attrs = map[string]any(row.Attributes)
		status = domain.StatusPending
	}
	pending := status == domain.StatusPending

	_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", schema.Table), provisionalID)
	if err != nil {
		return storageError(err, "deleting %s %s", kind, provisionalID)
	}

	names, placeholders, updates := upsertParts(schema)
	query := fmt.Sprintf(`INSERT INTO %[1]s (id, attributes, %[2]spending_sync, sync_status, sync_error, op, seq, version, updated_at)
		VALUES (?, ?, %[3]s?, ?, '', 'update', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attributes = excluded.attributes,
			%[4]spending_sync = excluded.pending_sync,
			sync_status = excluded.sync_status,
			sync_error = '',
			op = 'update',
			seq = excluded.seq,
			version = excluded.version,
			updated_at = excluded.updated_at`, schema.Table, names, placeholders, updates)

	args := []any{confirmed.ID, Metadata(attrs)}
	args = append(args, indexValues(schema, attrs)...)
	args = append(args, boolInt(pending), string(status), row.Seq, row.Version, toMillis(time.Now()))

	_, err = tx.ExecContext(ctx, query, args...)
	if err != nil {
		return storageError(err, "storing %s %s", kind, confirmed.ID)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO id_remap (kind, provisional_id, authoritative_id, remapped_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, provisional_id) DO UPDATE SET authoritative_id = excluded.authoritative_id, remapped_at = excluded.remapped_at`,
		string(kind), provisionalID, confirmed.ID, toMillis(time.Now()))
	if err != nil {
		return storageError(err, "recording remap of %s %s", kind, provisionalID)
	}

	if err := remapReferences(ctx, tx, kind, provisionalID, confirmed.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError(err, "committing remap of %s %s", kind, provisionalID)
	}
	return nil
}

// ResolveID looks up the authoritative id recorded for a provisional id.
func (repo *Repository) ResolveID(ctx context.Context, kind domain.Kind, provisionalID string) (string, bool, error) {
	var id string
	err := repo.dbConn.GetContext(ctx, &id, "SELECT authoritative_id FROM id_remap WHERE kind = ? AND provisional_id = ?", string(kind), provisionalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storageError(err, "resolving %s %s", kind, provisionalID)
	}
	return id, true, nil
}

// RemapReferences rewrites references to a provisional id in a single transaction.
func (repo *Repository) RemapReferences(ctx context.Context, kind domain.Kind, provisionalID, authoritativeID string) error {
	tx, err := repo.dbConn.BeginTxx(ctx, nil)
	if err != nil {
		return storageError(err, "starting reference remap of %s %s", kind, provisionalID)
	}
	defer tx.Rollback()

	if err := remapReferences(ctx, tx, kind, provisionalID, authoritativeID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError(err, "committing reference remap of %s %s", kind, provisionalID)
	}
	return nil
}

// remapReferences rewrites both the payload attribute and its index column of every referencing record.
func remapReferences(ctx context.Context, tx *sqlx.Tx, kind domain.Kind, provisionalID, authoritativeID string) error {
	for refKind, attr := range domain.Referencing(kind) {
		schema := domain.Schemas[refKind]
		column, ok := columnFor(schema, attr)
		if !ok {
			return fmt.Errorf("%w: %s.%s is not indexed", domain.ErrUnknownIndex, refKind, attr)
		}

		query := fmt.Sprintf("UPDATE %s SET attributes = json_set(attributes, ?, ?), %s = ? WHERE %s = ?", schema.Table, column, column)
		_, err := tx.ExecContext(ctx, query, "$."+attr, domain.IDValue(authoritativeID), authoritativeID, provisionalID)
		if err != nil {
			return storageError(err, "remapping %s references to %s %s", refKind, kind, provisionalID)
		}
	}
	return nil
}
