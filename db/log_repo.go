package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/leafymarket/leafsync/domain"
)

var _ domain.LogRepository = (*Repository)(nil)

// dbLog represents a log entry as stored in the database.
type dbLog struct {
	ID        uuid.UUID      `db:"id"`        // Unique identifier for the log entry.
	Timestamp int64          `db:"timestamp"` // Unix milliseconds at which the log entry was created.
	Level     string         `db:"level"`     // The severity level of the log.
	Message   string         `db:"message"`   // The main content of the log message.
	Context   Metadata       `db:"context"`   // A map of additional key-value data for structured logging.
	Kind      sql.NullString `db:"kind"`      // An optional entity kind the entry is about.
	RecordID  sql.NullString `db:"record_id"` // An optional record id the entry is about.
}

// toDomainLog converts a dbLog to a domain.Log.
func toDomainLog(dbLog *dbLog) *domain.Log {
	log := &domain.Log{
		ID:        dbLog.ID,
		Timestamp: fromMillis(dbLog.Timestamp),
		Level:     dbLog.Level,
		Message:   dbLog.Message,
		Context:   map[string]any(dbLog.Context),
	}

	if dbLog.Kind.Valid {
		kind := domain.Kind(dbLog.Kind.String)
		log.Kind = &kind
	}

	if dbLog.RecordID.Valid {
		id := dbLog.RecordID.String
		log.RecordID = &id
	}

	return log
}

// fromDomainLog converts a domain.Log to a dbLog.
func fromDomainLog(log *domain.Log) *dbLog {
	dbLog := &dbLog{
		ID:        log.ID,
		Timestamp: toMillis(log.Timestamp),
		Level:     log.Level,
		Message:   log.Message,
		Context:   Metadata(log.Context),
	}

	if log.Kind != nil {
		dbLog.Kind = sql.NullString{String: string(*log.Kind), Valid: true}
	}

	if log.RecordID != nil {
		dbLog.RecordID = sql.NullString{String: *log.RecordID, Valid: true}
	}

	return dbLog
}

// InsertLog saves a new log entry to the database.
func (repo *Repository) InsertLog(ctx context.Context, log *domain.Log) error {
	dbLog := fromDomainLog(log)
	query := `INSERT INTO logs (id, level, timestamp, message, context, kind, record_id)
	          VALUES (:id, :level, :timestamp, :message, :context, :kind, :record_id)`

	_, err := repo.dbConn.NamedExecContext(ctx, query, dbLog)
	if err != nil {
		return storageError(err, "inserting log %s", log.ID)
	}

	return nil
}

// GetLogs retrieves all log entries from the database, oldest first.
func (repo *Repository) GetLogs(ctx context.Context) ([]*domain.Log, error) {
	var dbLogs []*dbLog
	query := `SELECT id, timestamp, level, message, context, kind, record_id FROM logs ORDER BY timestamp, id`

	err := repo.dbConn.SelectContext(ctx, &dbLogs, query)
	if err != nil {
		return nil, storageError(err, "fetching all logs")
	}

	domainLogs := make([]*domain.Log, len(dbLogs))
	for i, dbLog := range dbLogs {
		domainLogs[i] = toDomainLog(dbLog)
	}

	return domainLogs, nil
}
