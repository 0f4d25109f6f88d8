package testing

import (
	"sync"
	"time"

	"github.com/ahimsalabs/platform-go/platform/transport"
)

// RecordingTransport wraps a Transport and records all method calls.
//
// This is useful for testing that your code makes the expected Transport calls
// in the right order with the right arguments.
//
// Example:
//
//	recorder := NewRecordingTransport(NewFakeTransport())
//	// Use recorder in your tests
//	// After test runs:
//	calls := recorder.Calls()
//	if calls[0].Method != "Create" {
//		t.Errorf("first call should be Create, got %s", calls[0].Method)
//	}
type RecordingTransport struct {
	inner transport.Transport
	calls []Call
	mu    sync.Mutex
}

// Call represents a recorded method call.
type Call struct {
	Method string           // Method name (e.g., "Create", "Cancel")
	Task   transport.TaskID // Task the call returned or acted on
	Req    *transport.Request
	At     time.Time
}

// NewRecordingTransport creates a RecordingTransport that wraps inner.
func NewRecordingTransport(inner transport.Transport) *RecordingTransport {
	return &RecordingTransport{inner: inner}
}

// record adds a call to the recording.
func (r *RecordingTransport) record(method string, id transport.TaskID, req *transport.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{
		Method: method,
		Task:   id,
		Req:    req,
		At:     time.Now(),
	})
}

// SetHandler delegates to inner.
func (r *RecordingTransport) SetHandler(h transport.Handler) {
	r.record("SetHandler", "", nil)
	r.inner.SetHandler(h)
}

// Create delegates to inner and records the call with the resulting identifier.
func (r *RecordingTransport) Create(req *transport.Request) (transport.TaskID, error) {
	id, err := r.inner.Create(req)
	r.record("Create", id, req)
	return id, err
}

// Start records the call and delegates to inner.
func (r *RecordingTransport) Start(id transport.TaskID) error {
	r.record("Start", id, nil)
	return r.inner.Start(id)
}

// Cancel records the call and delegates to inner.
func (r *RecordingTransport) Cancel(id transport.TaskID) {
	r.record("Cancel", id, nil)
	r.inner.Cancel(id)
}

// Calls returns a copy of all recorded calls.
func (r *RecordingTransport) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Call, len(r.calls))
	copy(result, r.calls)
	return result
}

// Reset clears all recorded calls.
func (r *RecordingTransport) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// CallCount returns the number of times the specified method was called.
func (r *RecordingTransport) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, call := range r.calls {
		if call.Method == method {
			count++
		}
	}
	return count
}

// Methods returns the recorded method names in order.
func (r *RecordingTransport) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, call := range r.calls {
		out[i] = call.Method
	}
	return out
}
