// Package transport defines the task-based network capability used by the platform client.
//
// A Transport creates tasks without starting them, so the caller can register the
// task identifier before any callback can arrive. Every callback for a task is
// delivered to the Handler installed with SetHandler, sequentially per task and
// concurrently across tasks.
//
// Middleware (logging, tracing) composes by wrapping both the Transport and the
// Handler it is given.
package transport

import (
	"errors"
	"net/http"
)

// TaskID identifies one transfer within a Transport.
type TaskID string

// Kind selects the transfer variant. Transports may keep one session per kind.
type Kind int

const (
	// KindGeneral is a one-shot request whose body is buffered.
	KindGeneral Kind = iota

	// KindSubscription is a long-lived request streaming frames.
	KindSubscription

	// KindUpload is a one-shot request with a large body and send progress.
	KindUpload

	// KindDownload is a one-shot request whose body is written to disk.
	KindDownload
)

func (k Kind) String() string {
	switch k {
	case KindGeneral:
		return "general"
	case KindSubscription:
		return "subscription"
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	default:
		return "unknown"
	}
}

// Errors reported by transports.
var (
	// ErrCancelled is delivered to OnComplete when a task was cancelled with Cancel.
	ErrCancelled = errors.New("transport: task cancelled")

	// ErrUnknownTask is returned by Start for an identifier the transport does not hold.
	ErrUnknownTask = errors.New("transport: unknown task")

	// ErrAlreadyStarted is returned when Start is called twice for the same task.
	ErrAlreadyStarted = errors.New("transport: task already started")

	// ErrNoHandler is returned by Create before SetHandler was called.
	ErrNoHandler = errors.New("transport: no handler installed")

	// ErrDuplicateTask is returned by Create when the generated identifier is still live.
	ErrDuplicateTask = errors.New("transport: duplicate task id")
)

// Request describes a task to create. Header is sent exactly as given.
type Request struct {
	Kind   Kind
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response carries the status line and headers of a task's response.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Handler receives task callbacks.
//
// For a single task the order is: at most one OnResponse, any number of OnData
// and OnProgress, then exactly one OnComplete. A nil error in OnComplete means
// the response body was read to the end.
type Handler interface {
	OnResponse(id TaskID, resp *Response)
	OnData(id TaskID, data []byte)
	OnProgress(id TaskID, sent, total int64)
	OnComplete(id TaskID, err error)
}

// Transport creates, starts and cancels tasks.
type Transport interface {
	// SetHandler installs the callback target for every task.
	SetHandler(h Handler)

	// Create allocates a task without starting any network activity.
	Create(req *Request) (TaskID, error)

	// Start begins the network exchange for a created task.
	Start(id TaskID) error

	// Cancel aborts a task. A started task completes with ErrCancelled.
	// Cancelling an unknown or finished task is a no-op.
	Cancel(id TaskID)
}

// Middleware wraps a Transport with additional behavior.
type Middleware func(Transport) Transport

// Chain combines multiple middleware into a single middleware.
// Middleware is applied in order: Chain(a, b, c)(t) == a(b(c(t))).
//
// Example:
//
//	t := Chain(
//	    WithTracing(tracer),
//	    WithLogging(logger),
//	)(NewHTTPTransport(nil))
func Chain(middlewares ...Middleware) Middleware {
	return func(next Transport) Transport {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// HandlerFuncs adapts plain functions into a Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Response func(id TaskID, resp *Response)
	Data     func(id TaskID, data []byte)
	Progress func(id TaskID, sent, total int64)
	Complete func(id TaskID, err error)
}

func (h HandlerFuncs) OnResponse(id TaskID, resp *Response) {
	if h.Response != nil {
		h.Response(id, resp)
	}
}

func (h HandlerFuncs) OnData(id TaskID, data []byte) {
	if h.Data != nil {
		h.Data(id, data)
	}
}

func (h HandlerFuncs) OnProgress(id TaskID, sent, total int64) {
	if h.Progress != nil {
		h.Progress(id, sent, total)
	}
}

func (h HandlerFuncs) OnComplete(id TaskID, err error) {
	if h.Complete != nil {
		h.Complete(id, err)
	}
}
