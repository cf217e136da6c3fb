package domain

import "errors"

var (
	// ErrStorageFailure is returned when the local durable store cannot be read or written.
	// It is fatal to the current operation and is never retried automatically.
	ErrStorageFailure = errors.New("local storage unavailable")

	// ErrNetworkUnavailable is returned when the backend cannot be reached at all.
	// Interactive mutations treat it as a signal to fall back to the offline path.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrBackendRejected is returned when the backend refuses a mutation as semantically invalid.
	// A replayed record that fails with this error is terminal and requires user resolution.
	ErrBackendRejected = errors.New("backend rejected mutation")

	// ErrBackendUnreachable is returned when the backend fails transiently (timeouts, 5xx, throttling).
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrRecordNotFound is returned when a record does not exist in the local store.
	ErrRecordNotFound = errors.New("record not found")

	// ErrUnknownKind is returned when a kind has no registered schema.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrUnknownIndex is returned when a kind has no index with the requested name.
	ErrUnknownIndex = errors.New("unknown index")
)

// IsTransient reports whether err should send a mutation down the offline path
// instead of being surfaced to the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrBackendUnreachable)
}
