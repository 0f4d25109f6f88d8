package platform

import (
	"sync"
	"time"
)

// Cancelable is a handle to a scheduled function.
type Cancelable interface {
	// Cancel prevents the function from running if it has not started yet.
	// It reports whether the call stopped the function.
	Cancel() bool
}

// Scheduler runs single-shot delayed functions. Retry, resume and heartbeat
// timers all go through it so tests can drive time by hand.
type Scheduler interface {
	ScheduleOnce(d time.Duration, fn func()) Cancelable
}

// TimerScheduler implements Scheduler with time.AfterFunc.
type TimerScheduler struct{}

// ScheduleOnce runs fn on its own goroutine after d.
func (TimerScheduler) ScheduleOnce(d time.Duration, fn func()) Cancelable {
	return timerHandle{time.AfterFunc(d, fn)}
}

type timerHandle struct {
	t *time.Timer
}

func (h timerHandle) Cancel() bool {
	return h.t.Stop()
}

// singleTimer keeps at most one live scheduled function. Arming it cancels the
// previous one first.
type singleTimer struct {
	scheduler Scheduler

	mu      sync.Mutex
	pending Cancelable
	gen     uint64
}

func newSingleTimer(s Scheduler) *singleTimer {
	return &singleTimer{scheduler: s}
}

// arm replaces any pending function with fn after d. A replaced function that
// already started running sees a stale generation and does nothing.
func (t *singleTimer) arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Cancel()
	}
	t.gen++
	gen := t.gen
	t.pending = t.scheduler.ScheduleOnce(d, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.pending = nil
		t.mu.Unlock()
		fn()
	})
}

// stop cancels the pending function, if any.
func (t *singleTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Cancel()
		t.pending = nil
	}
	t.gen++
}
