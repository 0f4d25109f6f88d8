package platform

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ahimsalabs/platform-go/platform/internal/protocol"
	"github.com/ahimsalabs/platform-go/platform/transport"
)

// SubscriptionState is the lifecycle state of a ResumableSubscription.
type SubscriptionState int

const (
	StateOpening SubscriptionState = iota
	StateOpen
	StateResuming
	StateEnded
	StateFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateResuming:
		return "resuming"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SubscriptionState) terminal() bool {
	return s == StateEnded || s == StateFailed
}

// ResumableSubscription keeps a subscription alive across failures. After an
// error it asks its RetryPolicy whether to resume, then opens a replacement
// transfer from the same RequestOptions with Last-Event-ID set to the last
// event received. The callbacks given at subscribe time stay attached to every
// replacement.
//
// At most one underlying transfer is live at a time.
type ResumableSubscription struct {
	client  *Client
	options *RequestOptions
	policy  RetryPolicy
	cb      SubscriptionCallbacks
	resume  *ResumeOptions
	timer   *singleTimer
	logger  *slog.Logger
	handle  uint64

	mu           sync.Mutex
	state        SubscriptionState
	current      *Request
	gen          uint64
	lastEventID  string
	unsubscribed bool

	finishOnce sync.Once
	done       chan struct{}
}

func newResumableSubscription(c *Client, opts *RequestOptions, policy RetryPolicy, cb SubscriptionCallbacks, resume *ResumeOptions) *ResumableSubscription {
	return &ResumableSubscription{
		client:  c,
		options: opts,
		policy:  policy,
		cb:      cb,
		resume:  resume,
		timer:   newSingleTimer(c.scheduler),
		logger:  c.logger.With("method", opts.Method, "destination", opts.Destination.String()),
		done:    make(chan struct{}),
	}
}

func (s *ResumableSubscription) start() error {
	if s.resume != nil {
		id, ok, err := s.resume.Store.Load(context.Background(), s.resume.Key)
		switch {
		case err != nil:
			s.logger.Warn("loading subscription cursor", "key", s.resume.Key, "error", err)
		case ok:
			s.lastEventID = id
		}
	}

	s.handle = s.client.track(s)
	s.client.metrics.subscriptionActive(1)
	if err := s.open(); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		s.finish()
		return err
	}
	return nil
}

// open replaces the live transfer with a new one.
func (s *ResumableSubscription) open() error {
	s.mu.Lock()
	if s.unsubscribed || s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	old := s.current
	s.current = nil
	if s.lastEventID != "" {
		s.options.SetHeader(protocol.HeaderLastEventID, s.lastEventID)
	}
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	if s.cb.OnOpening != nil {
		s.cb.OnOpening()
	}

	d := s.client.newSubscriptionDelegate(&resumeAttempt{s: s, gen: gen})
	req, err := s.client.start(transport.KindSubscription, s.options, d, s)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.unsubscribed {
		s.mu.Unlock()
		req.Cancel()
		return nil
	}
	s.current = req
	s.mu.Unlock()
	return nil
}

func (s *ResumableSubscription) resumeNow() {
	if err := s.open(); err != nil {
		s.fail(err)
	}
}

// State returns the current lifecycle state.
func (s *ResumableSubscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastEventID returns the id of the last event delivered, or the id loaded
// from the cursor store.
func (s *ResumableSubscription) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Options returns the options shared by every attempt.
func (s *ResumableSubscription) Options() *RequestOptions {
	return s.options
}

// TaskID returns the task identifier of the live transfer, if any.
func (s *ResumableSubscription) TaskID() transport.TaskID {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return ""
	}
	return cur.ID()
}

// Done is closed when the subscription reaches Ended or Failed, after the
// terminal callback has returned.
func (s *ResumableSubscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe ends the subscription for good: no resume is attempted after
// it, even one already scheduled. OnEnd fires with a nil frame unless the
// subscription had already ended or failed. Calling it again does nothing.
func (s *ResumableSubscription) Unsubscribe() {
	s.mu.Lock()
	if s.unsubscribed {
		s.mu.Unlock()
		return
	}
	s.unsubscribed = true
	wasTerminal := s.state.terminal()
	if !wasTerminal {
		s.state = StateEnded
	}
	s.gen++
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	s.timer.stop()
	if cur != nil {
		cur.Cancel()
	}
	if !wasTerminal && s.cb.OnEnd != nil {
		s.cb.OnEnd(nil)
	}
	s.finish()
}

// Cancel is Unsubscribe.
func (s *ResumableSubscription) Cancel() {
	s.Unsubscribe()
}

func (s *ResumableSubscription) finish() {
	s.finishOnce.Do(func() {
		s.client.untrack(s.handle)
		s.client.metrics.subscriptionActive(-1)
		close(s.done)
	})
}

// live reports whether callbacks from attempt gen still apply.
// Callers hold s.mu.
func (s *ResumableSubscription) live(gen uint64) bool {
	return gen == s.gen && !s.unsubscribed && !s.state.terminal()
}

func (s *ResumableSubscription) attemptOpened(gen uint64, header http.Header) {
	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	s.mu.Unlock()

	// A good connection restarts backoff from the first interval.
	s.policy.OnSuccess()
	if s.cb.OnOpen != nil {
		s.cb.OnOpen(header)
	}
}

func (s *ResumableSubscription) attemptEvent(gen uint64, ev *Event) {
	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		return
	}
	if ev.ID != "" {
		s.lastEventID = ev.ID
	}
	s.mu.Unlock()

	if s.resume != nil && ev.ID != "" {
		if err := s.resume.Store.Save(context.Background(), s.resume.Key, ev.ID); err != nil {
			s.logger.Warn("saving subscription cursor", "key", s.resume.Key, "event_id", ev.ID, "error", err)
		}
	}
	s.client.metrics.eventReceived()
	if s.cb.OnEvent != nil {
		s.cb.OnEvent(ev)
	}
}

func (s *ResumableSubscription) attemptEnded(gen uint64, eos *EndOfStream) {
	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.current = nil
	s.mu.Unlock()

	s.timer.stop()
	if s.cb.OnEnd != nil {
		s.cb.OnEnd(eos)
	}
	s.finish()
}

func (s *ResumableSubscription) attemptFailed(gen uint64, err error) {
	s.client.metrics.transferFailed(transport.KindSubscription)

	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		s.logger.Debug("ignoring error from replaced subscription", "error", err)
		return
	}

	// A server-directed delay takes precedence over the policy.
	var decision RetryDecision
	var eos *RetryableEndOfStreamError
	if errors.As(err, &eos) {
		decision = RetryAfter(eos.After)
	} else {
		decision = s.policy.ShouldRetry(err)
	}

	if !decision.Retry {
		s.state = StateFailed
		s.current = nil
		s.mu.Unlock()

		s.timer.stop()
		s.logger.Warn("subscription failed", "error", decision.Reason)
		if s.cb.OnError != nil {
			s.cb.OnError(decision.Reason)
		}
		s.finish()
		return
	}

	entering := s.state != StateResuming
	s.state = StateResuming
	lastID := s.lastEventID
	s.timer.arm(decision.After, s.resumeNow)
	s.mu.Unlock()

	s.client.metrics.resumeScheduled()
	s.logger.Info("resuming subscription", "delay", decision.After, "last_event_id", lastID, "error", err)
	if entering && s.cb.OnResuming != nil {
		s.cb.OnResuming()
	}
}

// fail ends the subscription with err without consulting the policy.
func (s *ResumableSubscription) fail(err error) {
	s.mu.Lock()
	if s.unsubscribed || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.gen++
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	s.timer.stop()
	if cur != nil {
		cur.Cancel()
	}
	s.logger.Warn("subscription failed", "error", err)
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	s.finish()
}

// resumeAttempt routes one transfer's outcome back to its subscription,
// tagged with the attempt generation so stale transfers are ignored.
type resumeAttempt struct {
	s   *ResumableSubscription
	gen uint64
}

func (a *resumeAttempt) subscriptionOpened(header http.Header) { a.s.attemptOpened(a.gen, header) }
func (a *resumeAttempt) subscriptionEvent(ev *Event)           { a.s.attemptEvent(a.gen, ev) }
func (a *resumeAttempt) subscriptionEnded(eos *EndOfStream)    { a.s.attemptEnded(a.gen, eos) }
func (a *resumeAttempt) subscriptionFailed(err error)          { a.s.attemptFailed(a.gen, err) }
