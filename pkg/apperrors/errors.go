package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the upload subsystem. Handlers map these to HTTP
// status codes; the client coordinator maps status codes back to retry
// classes via Classify.
var (
	ErrSessionNotFound = &Error{Kind: KindNotFound, Message: "upload session not found, restart upload"}
	ErrFileNotFound    = &Error{Kind: KindNotFound, Message: "file not found"}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Message: "authentication required"}
	ErrOwnerMismatch   = &Error{Kind: KindForbidden, Message: "upload session belongs to another user"}
	ErrWorkspaceDenied = &Error{Kind: KindForbidden, Message: "workspace access denied"}
	ErrFileTooLarge    = &Error{Kind: KindPayloadTooLarge, Message: "file exceeds maximum allowed size"}
)

type Kind int

const (
	KindValidation Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindIncomplete
	KindConflict
	KindRateLimited
	KindPayloadTooLarge
	KindInternal
)

// Error is the common error shape crossing component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes sentinel comparison work across wrapped copies that share
// kind and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// IncompleteError reports a complete call made before every chunk
// arrived. MissingChunks is the exact complement of the received set.
type IncompleteError struct {
	MissingChunks []int
	Received      int
	Total         int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d/%d chunks received", e.Received, e.Total)
}

// KindOf reports the taxonomy kind of err, defaulting to KindInternal
// for untyped errors.
func KindOf(err error) Kind {
	var ie *IncompleteError
	if errors.As(err, &ie) {
		return KindIncomplete
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// StatusCode maps an error to the HTTP status the upload endpoint
// responds with. Incomplete and size-limit violations surface as 400
// on the wire while keeping their distinct kinds internally.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation, KindIncomplete, KindPayloadTooLarge:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RetryClass describes how the client coordinator should react to a
// failed chunk request.
type RetryClass int

const (
	// RetryNever covers validation, auth, authorization and size-limit
	// failures. The upload stops immediately.
	RetryNever RetryClass = iota
	// RetryBackoff covers transient transport and 5xx failures.
	RetryBackoff
	// RetryFloor covers rate limiting; retries wait at least the
	// configured floor before the next attempt.
	RetryFloor
)

// Classify buckets an HTTP status observed by the client. A zero status
// means the request never produced a response (network failure) and is
// retryable.
func Classify(status int) RetryClass {
	switch {
	case status == 0:
		return RetryBackoff
	case status == http.StatusTooManyRequests:
		return RetryFloor
	case status == http.StatusRequestTimeout:
		return RetryBackoff
	case status >= 500:
		return RetryBackoff
	default:
		return RetryNever
	}
}
