package platform

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Destination is where a request is sent: a path relative to the client's
// service, or an absolute URL used as is.
type Destination struct {
	absolute string
	path     string
	query    url.Values
}

// Relative addresses path under the client's base URL and service namespace.
func Relative(path string, query url.Values) Destination {
	return Destination{path: path, query: query}
}

// Absolute addresses rawURL directly. No namespacing is applied.
func Absolute(rawURL string) Destination {
	return Destination{absolute: rawURL}
}

// IsAbsolute reports whether d was created with Absolute.
func (d Destination) IsAbsolute() bool {
	return d.absolute != ""
}

func (d Destination) String() string {
	if d.IsAbsolute() {
		return d.absolute
	}
	if len(d.query) == 0 {
		return d.path
	}
	return d.path + "?" + d.query.Encode()
}

// RequestOptions describes one logical request or subscription.
//
// Header is owned by whoever prepares the next attempt. Resumable
// subscriptions write Last-Event-ID into it between attempts; it is copied at
// dispatch, so a running transfer never observes later changes.
type RequestOptions struct {
	Method      string
	Destination Destination
	Header      http.Header
	Body        []byte

	// RetryPolicy overrides the client's per-method default. Used by
	// RequestWithRetry and SubscribeWithResume.
	RetryPolicy RetryPolicy

	// TokenRequired makes the client fetch a bearer token from its
	// TokenProvider before dispatching.
	TokenRequired bool
}

// NewRequestOptions returns options for method and dest with an empty header.
func NewRequestOptions(method string, dest Destination) *RequestOptions {
	return &RequestOptions{Method: method, Destination: dest, Header: make(http.Header)}
}

// SetHeader sets a header, allocating the map on first use.
func (o *RequestOptions) SetHeader(key, value string) {
	if o.Header == nil {
		o.Header = make(http.Header)
	}
	o.Header.Set(key, value)
}

func (o *RequestOptions) validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil options", ErrInvalidOptions)
	}
	if strings.TrimSpace(o.Method) == "" {
		return fmt.Errorf("%w: empty method", ErrInvalidOptions)
	}
	if strings.ContainsAny(o.Method, " \t\r\n") {
		return fmt.Errorf("%w: method %q", ErrInvalidOptions, o.Method)
	}
	if !o.Destination.IsAbsolute() && o.Destination.path == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidOptions)
	}
	return nil
}
