package platform

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	ptesting "github.com/ahimsalabs/platform-go/platform/testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// manualScheduler runs scheduled functions only when the test advances time.
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	tasks  []*manualTask
	delays []time.Duration
}

type manualTask struct {
	s         *manualScheduler
	at        time.Duration
	fn        func()
	fired     bool
	cancelled bool
}

func (t *manualTask) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

func (s *manualScheduler) ScheduleOnce(d time.Duration, fn func()) Cancelable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{s: s, at: s.now + d, fn: fn}
	s.tasks = append(s.tasks, t)
	s.delays = append(s.delays, d)
	return t
}

// Advance moves time forward by d, running every function that falls due in
// order of its deadline.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		due := s.nextDue(target)
		if due == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		due.fired = true
		s.now = due.at
		s.mu.Unlock()
		due.fn()
	}
}

func (s *manualScheduler) nextDue(target time.Duration) *manualTask {
	live := make([]*manualTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.fired && !t.cancelled && t.at <= target {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].at < live[j].at })
	return live[0]
}

// Pending returns the number of functions waiting to run.
func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.fired && !t.cancelled {
			n++
		}
	}
	return n
}

// Delays returns the delay of every ScheduleOnce call so far.
func (s *manualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// newTestClient creates a client over a FakeTransport with a manual scheduler.
// The heartbeat is disabled unless mutate enables it.
func newTestClient(t *testing.T, mutate func(*ClientConfig)) (*Client, *ptesting.FakeTransport, *manualScheduler) {
	t.Helper()
	ft := ptesting.NewFakeTransport()
	sched := &manualScheduler{}
	cfg := &ClientConfig{
		Transport:        ft,
		Logger:           quietLogger(),
		Scheduler:        sched,
		HeartbeatTimeout: -1,
	}
	if mutate != nil {
		mutate(cfg)
	}
	var (
		c   *Client
		err error
	)
	if cfg.ServiceName != "" {
		c, err = NewClientForInstance("v1:us1:instance", cfg)
	} else {
		c, err = NewClient("https://example.com", cfg)
	}
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, ft, sched
}

// subRecorder records subscription callbacks. It also implements
// subscriptionListener so delegates can be tested on their own.
type subRecorder struct {
	mu       sync.Mutex
	openings int
	opens    []http.Header
	resuming int
	events   []*Event
	ends     []*EndOfStream
	endCalls int
	errs     []error
}

func (r *subRecorder) callbacks() SubscriptionCallbacks {
	return SubscriptionCallbacks{
		OnOpening:  func() { r.mu.Lock(); r.openings++; r.mu.Unlock() },
		OnOpen:     r.subscriptionOpened,
		OnResuming: func() { r.mu.Lock(); r.resuming++; r.mu.Unlock() },
		OnEvent:    r.subscriptionEvent,
		OnEnd:      r.subscriptionEnded,
		OnError:    r.subscriptionFailed,
	}
}

func (r *subRecorder) subscriptionOpened(header http.Header) {
	r.mu.Lock()
	r.opens = append(r.opens, header)
	r.mu.Unlock()
}

func (r *subRecorder) subscriptionEvent(ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *subRecorder) subscriptionEnded(eos *EndOfStream) {
	r.mu.Lock()
	r.ends = append(r.ends, eos)
	r.endCalls++
	r.mu.Unlock()
}

func (r *subRecorder) subscriptionFailed(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *subRecorder) eventIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.events))
	for i, ev := range r.events {
		ids[i] = ev.ID
	}
	return ids
}

func (r *subRecorder) errList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *subRecorder) endCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endCalls
}

func (r *subRecorder) counts() (openings, opens, resuming int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openings, len(r.opens), r.resuming
}

// reqRecorder records one-shot request callbacks.
type reqRecorder struct {
	mu        sync.Mutex
	successes []*Response
	errs      []error
	done      chan struct{}
	once      sync.Once
}

func newReqRecorder() *reqRecorder {
	return &reqRecorder{done: make(chan struct{})}
}

func (r *reqRecorder) callbacks() RequestCallbacks {
	return RequestCallbacks{
		OnSuccess: func(resp *Response) {
			r.mu.Lock()
			r.successes = append(r.successes, resp)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *reqRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("request callback did not fire")
	}
}

func (r *reqRecorder) results() ([]*Response, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Response(nil), r.successes...), append([]error(nil), r.errs...)
}

// fixedPolicy retries every error after a constant delay.
type fixedPolicy struct {
	after time.Duration

	mu        sync.Mutex
	calls     int
	successes int
}

func (p *fixedPolicy) ShouldRetry(err error) RetryDecision {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return RetryAfter(p.after)
}

func (p *fixedPolicy) OnSuccess() {
	p.mu.Lock()
	p.successes++
	p.mu.Unlock()
}

func (p *fixedPolicy) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
