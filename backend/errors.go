package backend

import (
	"fmt"
	"net/http"

	"github.com/leafymarket/leafsync/domain"
)

// StatusError is returned when the backend answers with a non-2xx status.
// It unwraps to domain.ErrBackendRejected or domain.ErrBackendUnreachable.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string // The "error" field of the JSON body, or the raw body.
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s : %d %s", e.Method, e.URL, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	if Retryable(e.StatusCode) {
		return domain.ErrBackendUnreachable
	}
	return domain.ErrBackendRejected
}

// Retryable reports whether a status code describes a transient condition.
func Retryable(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// transportError marks a failure to get any response at all.
func transportError(method, url string, err error) error {
	return fmt.Errorf("%w (%w): %s %s : %w", domain.ErrNetworkUnavailable, domain.ErrBackendUnreachable, method, url, err)
}
