// Package testing provides test helpers for the platform client.
//
// The main helpers are:
//
//   - FakeTransport: a Transport whose callbacks are driven by the test
//   - RecordingTransport: a decorator that records all Transport method calls
//   - TokenProviderStub: a configurable token provider
//   - KeepAliveFrame, EventFrame, EndOfStreamFrame: wire-format frame builders
//
// Example usage:
//
//	ft := testing.NewFakeTransport()
//	client, _ := platform.NewClient("https://example.com", &platform.ClientConfig{Transport: ft})
//	sub, _ := client.Subscribe(platform.NewRequestOptions("SUBSCRIBE", platform.Relative("/feed", nil)), cb)
//	ft.Respond(sub.ID(), 200, nil)
//	ft.Send(sub.ID(), testing.EventFrame("1", nil, map[string]string{"hello": "world"}))
package testing

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/ahimsalabs/platform-go/platform/transport"
)

// FakeTransport is a transport.Transport that performs no I/O. Tests create
// tasks through the client and then deliver callbacks by hand.
//
// Cancelling a started task delivers OnComplete(transport.ErrCancelled)
// synchronously, as a real transport would eventually do.
type FakeTransport struct {
	// IDGenerator overrides the default "task-N" identifiers.
	IDGenerator func() transport.TaskID

	// StartErr, when set, is returned by Start.
	StartErr error

	mu      sync.Mutex
	handler transport.Handler
	next    int
	order   []transport.TaskID
	tasks   map[transport.TaskID]*FakeTask
}

// FakeTask is the state of one task held by a FakeTransport.
type FakeTask struct {
	ID        transport.TaskID
	Request   *transport.Request
	Started   bool
	Cancelled bool
	Completed bool
}

// NewFakeTransport creates an empty FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{tasks: make(map[transport.TaskID]*FakeTask)}
}

// SetHandler implements transport.Transport.
func (f *FakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Create implements transport.Transport. A generated identifier that is
// already held is returned without disturbing the older task, so tests can
// provoke registry collisions.
func (f *FakeTransport) Create(req *transport.Request) (transport.TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handler == nil {
		return "", transport.ErrNoHandler
	}
	f.next++
	id := transport.TaskID(fmt.Sprintf("task-%d", f.next))
	if f.IDGenerator != nil {
		id = f.IDGenerator()
	}
	if _, exists := f.tasks[id]; !exists {
		f.tasks[id] = &FakeTask{ID: id, Request: req}
		f.order = append(f.order, id)
	}
	return id, nil
}

// Start implements transport.Transport.
func (f *FakeTransport) Start(id transport.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return f.StartErr
	}
	task, ok := f.tasks[id]
	if !ok {
		return transport.ErrUnknownTask
	}
	if task.Started {
		return transport.ErrAlreadyStarted
	}
	task.Started = true
	return nil
}

// Cancel implements transport.Transport.
func (f *FakeTransport) Cancel(id transport.TaskID) {
	f.mu.Lock()
	task, ok := f.tasks[id]
	if !ok || task.Cancelled || task.Completed {
		f.mu.Unlock()
		return
	}
	task.Cancelled = true
	complete := task.Started
	if complete {
		task.Completed = true
	}
	h := f.handler
	f.mu.Unlock()

	if complete {
		h.OnComplete(id, transport.ErrCancelled)
	}
}

// Task returns the task registered under id.
func (f *FakeTransport) Task(id transport.TaskID) (FakeTask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return FakeTask{}, false
	}
	return *task, true
}

// Tasks returns every task in creation order.
func (f *FakeTransport) Tasks() []FakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeTask, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.tasks[id])
	}
	return out
}

// Last returns the most recently created task.
func (f *FakeTransport) Last() (FakeTask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return FakeTask{}, false
	}
	return *f.tasks[f.order[len(f.order)-1]], true
}

func (f *FakeTransport) live(id transport.TaskID) (transport.Handler, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || !task.Started || task.Completed {
		return nil, false
	}
	return f.handler, true
}

// Respond delivers response headers for a started task.
func (f *FakeTransport) Respond(id transport.TaskID, status int, header http.Header) {
	if h, ok := f.live(id); ok {
		if header == nil {
			header = make(http.Header)
		}
		h.OnResponse(id, &transport.Response{StatusCode: status, Header: header})
	}
}

// Send delivers body bytes for a started task.
func (f *FakeTransport) Send(id transport.TaskID, data string) {
	if h, ok := f.live(id); ok {
		h.OnData(id, []byte(data))
	}
}

// Progress delivers upload progress for a started task.
func (f *FakeTransport) Progress(id transport.TaskID, sent, total int64) {
	if h, ok := f.live(id); ok {
		h.OnProgress(id, sent, total)
	}
}

// Complete finishes a started task with err.
func (f *FakeTransport) Complete(id transport.TaskID, err error) {
	f.mu.Lock()
	task, ok := f.tasks[id]
	if !ok || !task.Started || task.Completed {
		f.mu.Unlock()
		return
	}
	task.Completed = true
	h := f.handler
	f.mu.Unlock()

	h.OnComplete(id, err)
}
