package platform

import (
	"sync"

	"github.com/ahimsalabs/platform-go/platform/transport"
)

// TaskRegistry maps transport task identifiers to live requests and forwards
// transport callbacks to the owning request's delegate.
//
// A single mutex guards the map. Delegates are invoked after the lock is
// released, so a delegate may cancel or dispatch from inside a callback.
type TaskRegistry struct {
	mu       sync.Mutex
	requests map[transport.TaskID]*Request
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{requests: make(map[transport.TaskID]*Request)}
}

// Register adds req under its task identifier. If the identifier is already
// registered, the existing entry is left untouched and a *DuplicateTaskError
// is returned.
func (r *TaskRegistry) Register(req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[req.id]; exists {
		return &DuplicateTaskError{ID: req.id}
	}
	r.requests[req.id] = req
	return nil
}

// Lookup returns the request registered under id.
func (r *TaskRegistry) Lookup(id transport.TaskID) (*Request, bool) {
	r.mu.Lock()
	req, ok := r.requests[id]
	r.mu.Unlock()
	return req, ok
}

// Remove deletes id. Removing an absent identifier is a no-op.
func (r *TaskRegistry) Remove(id transport.TaskID) {
	r.mu.Lock()
	delete(r.requests, id)
	r.mu.Unlock()
}

// removeIf deletes id only while it still maps to req, so a late completion
// for a replaced request cannot evict its successor.
func (r *TaskRegistry) removeIf(id transport.TaskID, req *Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.requests[id]; ok && cur == req {
		delete(r.requests, id)
		return true
	}
	return false
}

// Len returns the number of registered requests.
func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// OnResponse implements transport.Handler.
func (r *TaskRegistry) OnResponse(id transport.TaskID, resp *transport.Response) {
	if req, ok := r.Lookup(id); ok {
		req.delegate.handleResponse(resp.StatusCode, resp.Header)
	}
}

// OnData implements transport.Handler.
func (r *TaskRegistry) OnData(id transport.TaskID, data []byte) {
	if req, ok := r.Lookup(id); ok {
		req.delegate.handleData(data)
	}
}

// OnProgress implements transport.Handler.
func (r *TaskRegistry) OnProgress(id transport.TaskID, sent, total int64) {
	if req, ok := r.Lookup(id); ok {
		req.delegate.handleProgress(sent, total)
	}
}

// OnComplete implements transport.Handler. The entry is removed before the
// delegate runs, so a completed task is never looked up again.
func (r *TaskRegistry) OnComplete(id transport.TaskID, err error) {
	req, ok := r.Lookup(id)
	if !ok {
		return
	}
	r.removeIf(id, req)
	req.delegate.handleComplete(err)
	req.finish()
}
