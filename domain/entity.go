package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies an entity type that is mirrored in the local store.
type Kind string

const (
	KindProducts Kind = "products" // Catalog items listed by farmers.
	KindOrders   Kind = "orders"   // Purchase orders placed by buyers.
)

// SyncStatus is the reconciliation state of a record.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"  // Local state confirmed by the backend.
	StatusPending SyncStatus = "pending" // Local state waiting to be replayed.
	StatusFailed  SyncStatus = "failed"  // Backend rejected the replay, excluded from automatic retries.
)

// Op is the network call a pending record needs to be replayed with.
type Op string

const (
	OpCreate Op = "create" // POST /entities/{kind}
	OpUpdate Op = "update" // PATCH /entities/{kind}/{id}
)

// ProvisionalPrefix prefixes every client-assigned identifier.
// Backend identifiers are decimal integers so the two can never collide.
const ProvisionalPrefix = "L"

// ProvisionalID formats the n-th provisional identifier.
func ProvisionalID(n int64) string {
	return ProvisionalPrefix + strconv.FormatInt(n, 10)
}

// IsProvisional reports whether id was assigned by the client while offline.
func IsProvisional(id string) bool {
	rest, ok := strings.CutPrefix(id, ProvisionalPrefix)
	if !ok || rest == "" {
		return false
	}
	_, err := strconv.ParseUint(rest, 10, 64)
	return err == nil
}

// IDString normalises an identifier found in a JSON payload (number or string) to its string form.
func IDString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatInt(int64(id), 10), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case fmt.Stringer:
		return id.String(), true
	default:
		return "", false
	}
}

// IDValue converts an identifier to the value written into a JSON payload.
// Backend identifiers become numbers, provisional ones stay strings.
func IDValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// Record is a locally stored copy of an entity, generic over the entity kind.
type Record struct {
	Kind          Kind           // The entity kind the record belongs to.
	ID            string         // Backend id, or a provisional id for records created offline.
	Attributes    map[string]any // The typed entity payload.
	PendingSync   bool           // True while the latest local state has not been confirmed by the backend.
	Status        SyncStatus     // Reconciliation state.
	Op            Op             // Network call needed to replay the record.
	Seq           int64          // Creation order within the kind.
	Version       int64          // Incremented on every local write.
	CreateVersion int64          // Version a pending create is keyed on. Local edits leave it unchanged.
	SyncError     string         // Backend message for failed records.
	UpdatedAt     time.Time      // Time of the last local write.
}

// Clone returns a copy of the record with its own attribute map.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = make(map[string]any, len(r.Attributes))
	for k, v := range r.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

// Merge applies patch on top of the record's attributes.
func (r *Record) Merge(patch map[string]any) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		r.Attributes[k] = v
	}
}

// EntityRepository is the contract of the local durable store.
// Every method is atomic with respect to concurrent readers.
type EntityRepository interface {
	// Put upserts the record keyed by its ID. The record's Seq, Version and UpdatedAt
	// are filled in from the stored row. A pending create stays a create when edited again.
	Put(ctx context.Context, rec *Record) error

	// CacheRecord stores a backend-confirmed copy of an entity as synced.
	// It does nothing if the local copy has pending changes, so local edits always win over cache fills.
	CacheRecord(ctx context.Context, rec *Record) error

	// Get returns a single record or ErrRecordNotFound.
	Get(ctx context.Context, kind Kind, id string) (*Record, error)

	// GetAll returns every record of a kind in creation order.
	GetAll(ctx context.Context, kind Kind) ([]*Record, error)

	// GetByIndex returns the records of a kind whose index matches value.
	GetByIndex(ctx context.Context, kind Kind, indexName string, value string) ([]*Record, error)

	// ListPending returns the pending records of every kind, each slice in creation order.
	ListPending(ctx context.Context) (map[Kind][]*Record, error)

	// MarkSynced clears the pending flag if the stored version still equals version.
	// It returns false when a newer local edit superseded the acknowledged one.
	MarkSynced(ctx context.Context, kind Kind, id string, version int64) (bool, error)

	// MarkFailed moves a record to the terminal failed status if the stored version still equals version.
	MarkFailed(ctx context.Context, kind Kind, id string, version int64, reason string) (bool, error)

	// ListFailed returns every failed record of every kind.
	ListFailed(ctx context.Context) ([]*Record, error)

	// Retry moves a failed record back to pending so the next run replays it.
	Retry(ctx context.Context, kind Kind, id string) error

	// Discard deletes a record from the store.
	Discard(ctx context.Context, kind Kind, id string) error

	// NextProvisionalID allocates the next provisional identifier.
	NextProvisionalID(ctx context.Context) (string, error)

	// RemapID replaces a provisional record with the backend-confirmed one and rewrites every
	// record that references the provisional id. If the stored version is past version, the
	// local attributes are kept under the new id and it stays pending as an update.
	RemapID(ctx context.Context, kind Kind, provisionalID string, confirmed *Record, version int64) error

	// ResolveID returns the authoritative id that replaced a provisional id.
	ResolveID(ctx context.Context, kind Kind, provisionalID string) (string, bool, error)

	// RemapReferences rewrites references to a provisional id held by records of other kinds.
	RemapReferences(ctx context.Context, kind Kind, provisionalID, authoritativeID string) error
}
