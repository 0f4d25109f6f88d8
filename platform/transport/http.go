package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// DefaultChunkSize is the read buffer size used for streaming response bodies.
const DefaultChunkSize = 32 * 1024

// HTTPTransport implements Transport using net/http.
//
// Each task runs on its own goroutine, so callbacks for one task are sequential
// while different tasks proceed concurrently. Subscriptions use a separate
// http.Client without a timeout, since a subscription request never finishes
// on its own.
type HTTPTransport struct {
	client       *http.Client
	streamClient *http.Client
	chunkSize    int
	newID        func() TaskID

	mu      sync.Mutex
	handler Handler
	tasks   map[TaskID]*httpTask
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Client serves general, upload and download tasks. Default: http.DefaultClient.
	Client *http.Client

	// StreamClient serves subscription tasks. It should not set a Timeout.
	// Default: a client sharing http.DefaultTransport with no timeout.
	StreamClient *http.Client

	// ChunkSize is the response read buffer size. Default: 32KB.
	ChunkSize int

	// IDGenerator allocates task identifiers. Default: random UUIDs.
	IDGenerator func() TaskID
}

type httpTask struct {
	id      TaskID
	req     *Request
	ctx     context.Context
	cancel  context.CancelCauseFunc
	started bool
}

// NewHTTPTransport creates a new HTTP transport.
// Pass nil for cfg to use defaults.
func NewHTTPTransport(cfg *HTTPConfig) *HTTPTransport {
	t := &HTTPTransport{
		client:       http.DefaultClient,
		streamClient: &http.Client{Transport: http.DefaultTransport},
		chunkSize:    DefaultChunkSize,
		newID:        func() TaskID { return TaskID(uuid.NewString()) },
		tasks:        make(map[TaskID]*httpTask),
	}

	if cfg != nil {
		if cfg.Client != nil {
			t.client = cfg.Client
		}
		if cfg.StreamClient != nil {
			t.streamClient = cfg.StreamClient
		}
		if cfg.ChunkSize > 0 {
			t.chunkSize = cfg.ChunkSize
		}
		if cfg.IDGenerator != nil {
			t.newID = cfg.IDGenerator
		}
	}

	return t
}

// SetHandler installs the callback target for every task.
func (t *HTTPTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Create allocates a task. An identifier that collides with a live task is
// rejected with ErrDuplicateTask.
func (t *HTTPTransport) Create(req *Request) (TaskID, error) {
	if req == nil {
		return "", errors.New("transport: nil request")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler == nil {
		return "", ErrNoHandler
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	id := t.newID()
	if _, exists := t.tasks[id]; exists {
		cancel(nil)
		return "", fmt.Errorf("create %s: %w", id, ErrDuplicateTask)
	}
	t.tasks[id] = &httpTask{id: id, req: req, ctx: ctx, cancel: cancel}
	return id, nil
}

// Start begins the request on a new goroutine.
func (t *HTTPTransport) Start(id TaskID) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, ErrUnknownTask)
	}
	if task.started {
		t.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, ErrAlreadyStarted)
	}
	task.started = true
	h := t.handler
	t.mu.Unlock()

	go t.run(task, h)
	return nil
}

// Cancel aborts a task. A task that was created but never started completes
// with ErrCancelled on a separate goroutine.
func (t *HTTPTransport) Cancel(id TaskID) {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	started := task.started
	if !started {
		delete(t.tasks, id)
	}
	h := t.handler
	t.mu.Unlock()

	task.cancel(ErrCancelled)
	if !started {
		go h.OnComplete(id, ErrCancelled)
	}
}

func (t *HTTPTransport) run(task *httpTask, h Handler) {
	err := t.exchange(task, h)
	if err != nil && task.ctx.Err() != nil {
		err = context.Cause(task.ctx)
	}

	t.mu.Lock()
	if t.tasks[task.id] == task {
		delete(t.tasks, task.id)
	}
	t.mu.Unlock()
	task.cancel(nil)

	h.OnComplete(task.id, err)
}

func (t *HTTPTransport) exchange(task *httpTask, h Handler) error {
	req := task.req

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
		if req.Kind == KindUpload {
			body = &progressReader{
				r:     body,
				total: int64(len(req.Body)),
				report: func(sent, total int64) {
					h.OnProgress(task.id, sent, total)
				},
			}
		}
	}

	httpReq, err := http.NewRequestWithContext(task.ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.ContentLength = int64(len(req.Body))
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	client := t.client
	if req.Kind == KindSubscription {
		client = t.streamClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	h.OnResponse(task.id, &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	})

	buf := make([]byte, t.chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.OnData(task.id, chunk)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
	}
}

// progressReader reports cumulative bytes read from r.
type progressReader struct {
	r      io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.report(p.sent, p.total)
	}
	return n, err
}
