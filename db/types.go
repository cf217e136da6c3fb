package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leafymarket/leafsync/domain"
)

// Metadata represents a flexible key-value store, stored as JSON text in the database.
// It implements the sql.Scanner and driver.Valuer interfaces to handle database serialization.
type Metadata map[string]any

// Scan implements the sql.Scanner interface, allowing Metadata to be read from the database.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}

	decoded := make(Metadata)
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decoding metadata : %w", err)
	}
	*m = decoded
	return nil
}

// Value implements the driver.Valuer interface. The JSON is bound as text so
// SQLite's JSON functions read it as JSON and not as a JSONB blob.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata : %w", err)
	}
	return string(raw), nil
}

// Timestamps are stored as Unix milliseconds.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// storageError marks err as a local storage failure. Lookups that simply found
// nothing are passed through untouched.
func storageError(err error, format string, args ...any) error {
	if errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrUnknownKind) || errors.Is(err, domain.ErrUnknownIndex) {
		return err
	}
	return fmt.Errorf("%w: %s : %w", domain.ErrStorageFailure, fmt.Sprintf(format, args...), err)
}
