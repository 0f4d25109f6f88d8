package platform

import (
	"context"
	"sync"

	"github.com/ahimsalabs/platform-go/platform/transport"
)

// Request is the handle to one underlying transfer. It is created right
// before dispatch and removed from the client's TaskRegistry exactly once,
// when the transfer completes or is cancelled.
type Request struct {
	client   *Client
	kind     transport.Kind
	options  *RequestOptions
	delegate transferDelegate
	owner    canceler

	mu         sync.Mutex
	id         transport.TaskID
	dispatched bool
	cancelled  bool
	stopFetch  context.CancelFunc
	handle     uint64

	finishOnce sync.Once
	done       chan struct{}
}

func newRequest(c *Client, kind transport.Kind, opts *RequestOptions, d transferDelegate) *Request {
	r := &Request{
		client:   c,
		kind:     kind,
		options:  opts,
		delegate: d,
		done:     make(chan struct{}),
	}
	switch d := d.(type) {
	case *subscriptionDelegate:
		d.teardown, d.settled = r.teardown, r.finish
	case *downloadDelegate:
		d.teardown, d.settled = r.teardown, r.finish
	}
	return r
}

// ID returns the transport task identifier. It is empty until the request
// has been dispatched, which may be deferred by a token fetch.
func (r *Request) ID() transport.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Kind returns the transfer kind.
func (r *Request) Kind() transport.Kind {
	return r.kind
}

// Options returns the options the request was dispatched with.
func (r *Request) Options() *RequestOptions {
	return r.options
}

// Done is closed once the transfer has completed or been cancelled.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Cancel aborts the transfer. No callback fires afterwards. It is safe to
// call from any goroutine, including from inside a callback, and more than
// once.
func (r *Request) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	id, dispatched, stop := r.id, r.dispatched, r.stopFetch
	r.mu.Unlock()

	r.delegate.markCancelled()
	if stop != nil {
		stop()
	}
	if dispatched {
		r.client.transport.Cancel(id)
		r.client.registry.removeIf(id, r)
	}
	r.delegate.invalidate()
	r.finish()
}

func (r *Request) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// bind records the task identifier. It reports false if the request was
// cancelled while the task was being created.
func (r *Request) bind(id transport.TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.id = id
	r.dispatched = true
	return true
}

func (r *Request) unbind() {
	r.mu.Lock()
	r.dispatched = false
	r.mu.Unlock()
}

// teardown cancels the transport task after the delegate has already settled
// its outcome. The registry entry goes first, so the completion the transport
// reports for the task is dropped. The delegate closes Done itself, once its
// terminal callback has returned.
func (r *Request) teardown() {
	r.mu.Lock()
	id, dispatched := r.id, r.dispatched
	r.mu.Unlock()

	if dispatched {
		r.client.registry.removeIf(id, r)
		r.client.transport.Cancel(id)
	}
}

func (r *Request) finish() {
	r.finishOnce.Do(func() {
		r.client.untrack(r.handle)
		close(r.done)
	})
}
