package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ahimsalabs/platform-go/platform/transport"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrHeartbeatTimeout indicates no keep-alive or event arrived within the
	// heartbeat window and the subscription was torn down.
	ErrHeartbeatTimeout = errors.New("platform: heartbeat timeout")

	// ErrStreamClosed indicates the server finished a subscription response
	// without sending an end-of-stream frame.
	ErrStreamClosed = errors.New("platform: stream closed without end-of-stream")

	// ErrCancelled indicates the transfer was cancelled by the transport rather
	// than by the caller. Caller cancellation is never reported.
	ErrCancelled = transport.ErrCancelled

	// ErrClientClosed is returned by dispatch after Client.Close.
	ErrClientClosed = errors.New("platform: client closed")

	// ErrInvalidOptions indicates RequestOptions could not be turned into a request.
	ErrInvalidOptions = errors.New("platform: invalid request options")

	// ErrInvalidLocator indicates an instance locator did not have the form v1:cluster:instance.
	ErrInvalidLocator = errors.New("platform: invalid instance locator")

	// ErrMalformedFrame indicates a frame line that is not a well-formed message.
	// Such lines are dropped; this error is only logged.
	ErrMalformedFrame = errors.New("platform: malformed frame")

	// ErrUnknownMessageType indicates a frame with an unrecognized type code.
	ErrUnknownMessageType = errors.New("platform: unknown message type")
)

// StatusCoder is implemented by errors that carry an HTTP status.
// Retry policies use it to classify client errors.
type StatusCoder interface {
	HTTPStatus() int
}

// ErrorResponse is a non-2xx response. When the body carried a structured
// error payload, Code, Description and URI are populated from it.
type ErrorResponse struct {
	StatusCode  int
	Header      http.Header
	Code        string `json:"error"`
	Description string `json:"error_description"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *ErrorResponse) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("platform: status %d: %s: %s", e.StatusCode, e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("platform: status %d: %s", e.StatusCode, e.Code)
	default:
		return fmt.Sprintf("platform: bad response status %d (%s)", e.StatusCode, http.StatusText(e.StatusCode))
	}
}

// HTTPStatus implements StatusCoder.
func (e *ErrorResponse) HTTPStatus() int {
	return e.StatusCode
}

// Structured reports whether the error body was decoded.
func (e *ErrorResponse) Structured() bool {
	return e.Code != ""
}

// RetryableEndOfStreamError is an end-of-stream frame carrying a numeric
// retry-after header. The owning subscription resumes after exactly After,
// bypassing its retry policy.
type RetryableEndOfStreamError struct {
	After      time.Duration
	StatusCode int
	Header     map[string]string
	Info       json.RawMessage
}

func (e *RetryableEndOfStreamError) Error() string {
	return fmt.Sprintf("platform: end of stream with status %d, retry after %s", e.StatusCode, e.After)
}

// MaxAttemptsError is reported when a retry policy gives up.
type MaxAttemptsError struct {
	Attempts int
	Err      error
}

func (e *MaxAttemptsError) Error() string {
	return fmt.Sprintf("platform: max attempts (%d) reached: %v", e.Attempts, e.Err)
}

func (e *MaxAttemptsError) Unwrap() error {
	return e.Err
}

// DuplicateTaskError is returned when a transport reuses the identifier of a
// transfer that is still registered.
type DuplicateTaskError struct {
	ID transport.TaskID
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("platform: task %s is already registered", e.ID)
}

// httpStatusOf extracts the HTTP status carried by err, if any.
func httpStatusOf(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus(), true
	}
	return 0, false
}

// isClientError reports whether err carries a 4xx status.
func isClientError(err error) bool {
	status, ok := httpStatusOf(err)
	return ok && status >= 400 && status < 500
}
