package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LogRepository defines the interface for persisting engine log entries.
// Entries outlive the process so background failures stay observable.
type LogRepository interface {
	// InsertLog saves a new log entry to the repository.
	InsertLog(ctx context.Context, log *Log) error
	// GetLogs retrieves all log entries from the repository, oldest first.
	GetLogs(ctx context.Context) ([]*Log, error)
}

// Log represents a single log entry, containing information about an event that occurred in the engine.
type Log struct {
	ID        uuid.UUID      // Unique identifier for the log entry.
	Timestamp time.Time      // The time at which the log entry was created.
	Level     string         // The severity level of the log (DEBUG, INFO, WARN, ERROR).
	Message   string         // The main content of the log message.
	Context   map[string]any // A map of additional key-value data for structured logging.
	Kind      *Kind          // An optional entity kind the entry is about.
	RecordID  *string        // An optional record id the entry is about.
}
