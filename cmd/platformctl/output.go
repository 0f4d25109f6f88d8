package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/ahimsalabs/platform-go/platform"
)

// Result is one JSON line written to stdout.
type Result struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Text      string            `json:"text,omitempty"`
	Path      string            `json:"path,omitempty"`
	Bytes     int64             `json:"bytes,omitempty"`
	Total     int64             `json:"total,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
	ErrorCode string            `json:"errorCode,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// printer serializes results from concurrent callbacks.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) print(r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(r)
}

// setBody stores a JSON body as-is and anything else as text.
func (r *Result) setBody(b []byte) {
	if len(b) == 0 {
		return
	}
	if json.Valid(b) {
		r.Body = json.RawMessage(b)
		return
	}
	r.Text = string(b)
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// mapError converts an error into an error result with a stable code.
func mapError(err error) Result {
	res := Result{
		Type:      "error",
		ErrorCode: "INTERNAL_ERROR",
		Message:   err.Error(),
	}

	var maxErr *platform.MaxAttemptsError
	if errors.As(err, &maxErr) {
		res.Attempts = maxErr.Attempts
	}

	var resp *platform.ErrorResponse
	var eos *platform.RetryableEndOfStreamError
	switch {
	case errors.As(err, &resp):
		res.Status = resp.StatusCode
		res.ErrorCode = statusCode(resp.StatusCode)
		if resp.Structured() {
			res.Message = resp.Code
			if resp.Description != "" {
				res.Message += ": " + resp.Description
			}
		}
	case errors.As(err, &eos):
		res.Status = eos.StatusCode
		res.ErrorCode = "END_OF_STREAM"
	case errors.Is(err, platform.ErrHeartbeatTimeout):
		res.ErrorCode = "HEARTBEAT_TIMEOUT"
	case errors.Is(err, platform.ErrStreamClosed):
		res.ErrorCode = "STREAM_CLOSED"
	case errors.Is(err, platform.ErrCancelled), errors.Is(err, context.Canceled):
		res.ErrorCode = "CANCELLED"
	case errors.Is(err, context.DeadlineExceeded):
		res.ErrorCode = "TIMEOUT"
	case errors.Is(err, platform.ErrClientClosed):
		res.ErrorCode = "CLIENT_CLOSED"
	case errors.Is(err, platform.ErrInvalidOptions), errors.Is(err, platform.ErrInvalidLocator):
		res.ErrorCode = "INVALID_ARGUMENT"
	}
	if maxErr != nil && res.ErrorCode == "INTERNAL_ERROR" {
		res.ErrorCode = "RETRIES_EXHAUSTED"
	}
	return res
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusGone:
		return "GONE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	}
	if status >= 500 {
		return "SERVER_ERROR"
	}
	return "HTTP_ERROR"
}
