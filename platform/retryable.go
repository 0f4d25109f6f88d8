package platform

import (
	"log/slog"
	"sync"
)

// RetryableRequest re-dispatches a one-shot request until it succeeds or its
// RetryPolicy gives up. Each retry is a fresh transfer built from the same
// RequestOptions. The caller's callbacks fire once in total.
type RetryableRequest struct {
	client  *Client
	options *RequestOptions
	policy  RetryPolicy
	cb      RequestCallbacks
	timer   *singleTimer
	logger  *slog.Logger
	handle  uint64

	mu       sync.Mutex
	current  *Request
	gen      uint64
	attempts int
	finished bool

	finishOnce sync.Once
	done       chan struct{}
}

func newRetryableRequest(c *Client, opts *RequestOptions, policy RetryPolicy, cb RequestCallbacks) *RetryableRequest {
	return &RetryableRequest{
		client:  c,
		options: opts,
		policy:  policy,
		cb:      cb,
		timer:   newSingleTimer(c.scheduler),
		logger:  c.logger.With("method", opts.Method, "destination", opts.Destination.String()),
		done:    make(chan struct{}),
	}
}

func (rr *RetryableRequest) start() error {
	rr.handle = rr.client.track(rr)
	if err := rr.attempt(); err != nil {
		rr.mu.Lock()
		rr.finished = true
		rr.mu.Unlock()
		rr.finish()
		return err
	}
	return nil
}

func (rr *RetryableRequest) attempt() error {
	rr.mu.Lock()
	if rr.finished {
		rr.mu.Unlock()
		return nil
	}
	rr.gen++
	rr.attempts++
	gen := rr.gen
	old := rr.current
	rr.current = nil
	rr.mu.Unlock()

	if old != nil {
		old.Cancel()
	}

	req, err := rr.client.request(rr.options, RequestCallbacks{
		OnSuccess: func(resp *Response) { rr.succeeded(gen, resp) },
		OnError:   func(err error) { rr.failed(gen, err) },
	}, rr)
	if err != nil {
		return err
	}

	rr.mu.Lock()
	if rr.gen != gen || rr.finished {
		rr.mu.Unlock()
		req.Cancel()
		return nil
	}
	rr.current = req
	rr.mu.Unlock()
	return nil
}

func (rr *RetryableRequest) retryNow() {
	if err := rr.attempt(); err != nil {
		rr.deliverError(err)
	}
}

func (rr *RetryableRequest) succeeded(gen uint64, resp *Response) {
	rr.mu.Lock()
	if gen != rr.gen || rr.finished {
		rr.mu.Unlock()
		return
	}
	rr.finished = true
	rr.current = nil
	rr.mu.Unlock()

	rr.policy.OnSuccess()
	if rr.cb.OnSuccess != nil {
		rr.cb.OnSuccess(resp)
	}
	rr.finish()
}

func (rr *RetryableRequest) failed(gen uint64, err error) {
	rr.mu.Lock()
	if gen != rr.gen || rr.finished {
		rr.mu.Unlock()
		return
	}
	decision := rr.policy.ShouldRetry(err)
	if !decision.Retry {
		rr.mu.Unlock()
		rr.deliverError(decision.Reason)
		return
	}
	attempts := rr.attempts
	rr.timer.arm(decision.After, rr.retryNow)
	rr.mu.Unlock()

	rr.client.metrics.retryScheduled()
	rr.logger.Info("retrying request", "delay", decision.After, "attempts", attempts, "error", err)
}

func (rr *RetryableRequest) deliverError(err error) {
	rr.mu.Lock()
	if rr.finished {
		rr.mu.Unlock()
		return
	}
	rr.finished = true
	rr.current = nil
	rr.mu.Unlock()

	rr.timer.stop()
	if rr.cb.OnError != nil {
		rr.cb.OnError(err)
	}
	rr.finish()
}

// Attempts returns the number of transfers dispatched so far.
func (rr *RetryableRequest) Attempts() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.attempts
}

// Done is closed once the request succeeded, gave up or was cancelled.
func (rr *RetryableRequest) Done() <-chan struct{} {
	return rr.done
}

// Cancel stops the request and any scheduled retry. No callback fires
// afterwards.
func (rr *RetryableRequest) Cancel() {
	rr.mu.Lock()
	if rr.finished {
		rr.mu.Unlock()
		return
	}
	rr.finished = true
	rr.gen++
	cur := rr.current
	rr.current = nil
	rr.mu.Unlock()

	rr.timer.stop()
	if cur != nil {
		cur.Cancel()
	}
	rr.finish()
}

func (rr *RetryableRequest) finish() {
	rr.finishOnce.Do(func() {
		rr.client.untrack(rr.handle)
		close(rr.done)
	})
}
