package apperrors

import (
	"errors"
	"fmt"
)

// HTTPError is the client-side view of a failed upload request,
// carrying the wire status so the retry policy can classify it.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// ClassifyError buckets any error produced by a chunk request. Errors
// without an HTTP status are transport failures and retryable.
func ClassifyError(err error) RetryClass {
	if err == nil {
		return RetryNever
	}
	if he, ok := AsHTTPError(err); ok {
		return Classify(he.StatusCode)
	}
	return RetryBackoff
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
