package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited may be returned (or wrapped) by a Loader that is being
	// rate limited without an HTTP status to report.
	ErrRateLimited = errors.New("rate limited")
	// ErrThrottled is wrapped by callers that need data when a throttled
	// Fetch had nothing cached to serve.
	ErrThrottled = errors.New("no data available yet: request throttled")
	// ErrClosed is returned by Fetch after Close.
	ErrClosed = errors.New("fetch: orchestrator closed")
)

// StatusError is returned by loaders when the upstream answered with a
// non-success HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether err signals upstream rate limiting.
func IsRateLimited(err error) bool {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return errors.Is(err, ErrRateLimited)
}
