package platform

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableRequest_RetriesUntilSuccess(t *testing.T) {
	c, ft, sched := newTestClient(t, nil)
	rec := newReqRecorder()

	rr, err := c.RequestWithRetry(NewRequestOptions(http.MethodGet, Relative("/x", nil)), rec.callbacks())
	require.NoError(t, err)

	ft.Complete("task-1", errConnReset)
	assert.Len(t, ft.Tasks(), 1, "retry waits for the timer")

	sched.Advance(time.Second)
	require.Len(t, ft.Tasks(), 2)

	ft.Respond("task-2", http.StatusServiceUnavailable, nil)
	ft.Complete("task-2", nil)
	sched.Advance(4 * time.Second)
	require.Len(t, ft.Tasks(), 3)

	ft.Respond("task-3", http.StatusOK, nil)
	ft.Send("task-3", "done")
	ft.Complete("task-3", nil)

	rec.wait(t)
	successes, errs := rec.results()
	require.Len(t, successes, 1)
	assert.Empty(t, errs)
	assert.Equal(t, "done", string(successes[0].Body))
	assert.Equal(t, 3, rr.Attempts())
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, sched.Delays())
	<-rr.Done()
	assert.Zero(t, c.Registry().Len())
}

func TestRetryableRequest_MutatingNotReplayed(t *testing.T) {
	c, ft, sched := newTestClient(t, nil)
	rec := newReqRecorder()

	_, err := c.RequestWithRetry(NewRequestOptions(http.MethodPost, Relative("/messages", nil)), rec.callbacks())
	require.NoError(t, err)

	ft.Complete("task-1", errConnReset)
	rec.wait(t)

	_, errs := rec.results()
	require.Len(t, errs, 1)
	var maxErr *MaxAttemptsError
	require.ErrorAs(t, errs[0], &maxErr)
	assert.Equal(t, 1, maxErr.Attempts)
	assert.Zero(t, sched.Pending())
	assert.Len(t, ft.Tasks(), 1)
}

func TestRetryableRequest_ClientError(t *testing.T) {
	c, ft, _ := newTestClient(t, nil)
	rec := newReqRecorder()

	_, err := c.RequestWithRetry(NewRequestOptions(http.MethodGet, Relative("/missing", nil)), rec.callbacks())
	require.NoError(t, err)

	ft.Respond("task-1", http.StatusNotFound, nil)
	ft.Send("task-1", `{"error":"not_found"}`)
	ft.Complete("task-1", nil)

	rec.wait(t)
	_, errs := rec.results()
	require.Len(t, errs, 1)
	var resp *ErrorResponse
	require.ErrorAs(t, errs[0], &resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Len(t, ft.Tasks(), 1)
}

func TestRetryableRequest_CancelDuringBackoff(t *testing.T) {
	c, ft, sched := newTestClient(t, nil)
	rec := newReqRecorder()

	rr, err := c.RequestWithRetry(NewRequestOptions(http.MethodGet, Relative("/x", nil)), rec.callbacks())
	require.NoError(t, err)
	ft.Complete("task-1", errConnReset)
	require.Equal(t, 1, sched.Pending())

	rr.Cancel()
	rr.Cancel()
	assert.Zero(t, sched.Pending())

	sched.Advance(time.Hour)
	assert.Len(t, ft.Tasks(), 1)
	successes, errs := rec.results()
	assert.Empty(t, successes)
	assert.Empty(t, errs)
	<-rr.Done()
}

func TestRetryableRequest_CancelInFlight(t *testing.T) {
	c, ft, _ := newTestClient(t, nil)
	rec := newReqRecorder()

	rr, err := c.RequestWithRetry(NewRequestOptions(http.MethodGet, Relative("/x", nil)), rec.callbacks())
	require.NoError(t, err)

	rr.Cancel()
	task, _ := ft.Task("task-1")
	assert.True(t, task.Cancelled)
	successes, errs := rec.results()
	assert.Empty(t, successes)
	assert.Empty(t, errs)
}

func TestRetryableRequest_ClientUnsubscribeByTaskID(t *testing.T) {
	c, ft, sched := newTestClient(t, nil)
	rec := newReqRecorder()

	rr, err := c.RequestWithRetry(NewRequestOptions(http.MethodGet, Relative("/x", nil)), rec.callbacks())
	require.NoError(t, err)

	assert.True(t, c.Unsubscribe("task-1"))
	<-rr.Done()
	assert.Zero(t, sched.Pending(), "no retry is scheduled")
	assert.Len(t, ft.Tasks(), 1)
	successes, errs := rec.results()
	assert.Empty(t, successes)
	assert.Empty(t, errs)
}

func TestRetryableRequest_InvalidOptions(t *testing.T) {
	c, _, _ := newTestClient(t, nil)
	_, err := c.RequestWithRetry(NewRequestOptions("", Relative("/x", nil)), RequestCallbacks{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestClient_Do(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c, ft, _ := newTestClient(t, nil)

		type result struct {
			resp *Response
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			resp, err := c.Do(context.Background(), NewRequestOptions(http.MethodGet, Relative("/x", nil)))
			ch <- result{resp, err}
		}()

		require.Eventually(t, func() bool {
			task, ok := ft.Task("task-1")
			return ok && task.Started
		}, time.Second, 5*time.Millisecond)
		ft.Respond("task-1", http.StatusOK, nil)
		ft.Send("task-1", `{"ok":true}`)
		ft.Complete("task-1", nil)

		r := <-ch
		require.NoError(t, r.err)
		var body struct{ OK bool }
		require.NoError(t, r.resp.Decode(&body))
		assert.True(t, body.OK)
	})

	t.Run("context cancelled", func(t *testing.T) {
		c, ft, _ := newTestClient(t, nil)
		ctx, cancel := context.WithCancel(context.Background())

		errc := make(chan error, 1)
		go func() {
			_, err := c.Do(ctx, NewRequestOptions(http.MethodGet, Relative("/slow", nil)))
			errc <- err
		}()

		require.Eventually(t, func() bool {
			_, ok := ft.Task("task-1")
			return ok
		}, time.Second, 5*time.Millisecond)
		cancel()

		err := <-errc
		assert.True(t, errors.Is(err, context.Canceled))
		task, _ := ft.Task("task-1")
		assert.True(t, task.Cancelled)
	})
}
