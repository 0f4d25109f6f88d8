package platform

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ahimsalabs/platform-go/platform/internal/protocol"
)

// RetryDecision is the outcome of asking a RetryPolicy about an error.
// Exactly one of Retry and Reason is meaningful: Retry reports whether to try
// again after After; otherwise Reason is the error to surface.
type RetryDecision struct {
	Retry  bool
	After  time.Duration
	Reason error
}

// RetryAfter returns a decision to retry after d.
func RetryAfter(d time.Duration) RetryDecision {
	return RetryDecision{Retry: true, After: d}
}

// DoNotRetry returns a decision to stop, surfacing reason.
func DoNotRetry(reason error) RetryDecision {
	return RetryDecision{Reason: reason}
}

// RetryPolicy decides whether and when to re-attempt after an error.
// Implementations are stateful (they count attempts) and must be safe for
// concurrent use; use a fresh policy per request or subscription.
type RetryPolicy interface {
	// ShouldRetry records an attempt that failed with err and returns a decision.
	ShouldRetry(err error) RetryDecision

	// OnSuccess resets the attempt counter after a successful connection.
	OnSuccess()
}

// Default retry policy values.
const (
	DefaultMaxInterval          = 30 * time.Second
	DefaultMaxAttempts          = 6
	DefaultMutatingMaxAttempts  = 1
	DefaultSubscribeMaxAttempts = 0 // unlimited
)

// BackoffPolicy waits min(n², MaxInterval) seconds before attempt n+1, where n
// is the number of failed attempts so far, and gives up once n reaches
// MaxAttempts. Errors carrying a 4xx status are never retried.
type BackoffPolicy struct {
	// MaxAttempts caps the number of attempts. Zero means unlimited.
	MaxAttempts int

	// MaxInterval caps the wait between attempts. Zero means uncapped.
	MaxInterval time.Duration

	mu       sync.Mutex
	attempts int
}

// NewBackoffPolicy creates a policy with the given limits.
func NewBackoffPolicy(maxAttempts int, maxInterval time.Duration) *BackoffPolicy {
	return &BackoffPolicy{MaxAttempts: maxAttempts, MaxInterval: maxInterval}
}

// ShouldRetry implements RetryPolicy.
func (p *BackoffPolicy) ShouldRetry(err error) RetryDecision {
	if isClientError(err) {
		return DoNotRetry(err)
	}

	p.mu.Lock()
	p.attempts++
	n := p.attempts
	p.mu.Unlock()

	if p.MaxAttempts > 0 && n >= p.MaxAttempts {
		return DoNotRetry(&MaxAttemptsError{Attempts: n, Err: err})
	}

	wait := backoff(n)
	if p.MaxInterval > 0 && wait > p.MaxInterval {
		wait = p.MaxInterval
	}
	return RetryAfter(wait)
}

// maxBackoffRoot is the largest n for which n² seconds fits in a Duration.
const maxBackoffRoot = 96038

// backoff returns n² seconds, saturating at the largest Duration.
func backoff(n int) time.Duration {
	if n > maxBackoffRoot {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(n)*int64(n)) * time.Second
}

// OnSuccess implements RetryPolicy.
func (p *BackoffPolicy) OnSuccess() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}

// Attempts returns the number of failed attempts recorded since the last reset.
func (p *BackoffPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// NeverRetry is a policy that surfaces every error immediately.
type NeverRetry struct{}

func (NeverRetry) ShouldRetry(err error) RetryDecision { return DoNotRetry(err) }
func (NeverRetry) OnSuccess()                          {}

// DefaultRetryPolicyFor returns a fresh policy for the given method.
// Mutating methods get a single attempt so writes are never replayed implicitly;
// subscriptions retry without limit; everything else gets DefaultMaxAttempts.
func DefaultRetryPolicyFor(method string) RetryPolicy {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return NewBackoffPolicy(DefaultMutatingMaxAttempts, DefaultMaxInterval)
	case protocol.MethodSubscribe:
		return NewBackoffPolicy(DefaultSubscribeMaxAttempts, DefaultMaxInterval)
	default:
		return NewBackoffPolicy(DefaultMaxAttempts, DefaultMaxInterval)
	}
}
