package platform

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ahimsalabs/platform-go/platform/internal/protocol"
)

// subscriptionListener receives the outcome of one subscription transfer.
// After subscriptionEnded or subscriptionFailed nothing else is delivered.
type subscriptionListener interface {
	subscriptionOpened(header http.Header)
	subscriptionEvent(ev *Event)
	subscriptionEnded(eos *EndOfStream)
	subscriptionFailed(err error)
}

type subscriptionState int

const (
	stateAwaitingResponse subscriptionState = iota
	stateStreaming
	stateCompleted
)

// subscriptionDelegate drives one streaming transfer through
// awaiting-response, streaming and completed.
type subscriptionDelegate struct {
	listener         subscriptionListener
	codec            *MessageCodec
	logger           *slog.Logger
	heartbeatTimeout time.Duration
	badStatusTimeout time.Duration

	// teardown cancels the transport task and drops the registry entry.
	// settled runs after the terminal callback of a torn-down transfer.
	teardown func()
	settled  func()

	heartbeat *singleTimer
	badStatus *singleTimer

	mu        sync.Mutex
	state     subscriptionState
	status    int
	header    http.Header
	buf       bytes.Buffer
	errBody   bytes.Buffer
	errorSent bool
	cancelled bool
}

type subscriptionDelegateConfig struct {
	Listener         subscriptionListener
	Codec            *MessageCodec
	Logger           *slog.Logger
	Scheduler        Scheduler
	HeartbeatTimeout time.Duration
	BadStatusTimeout time.Duration
}

func newSubscriptionDelegate(cfg subscriptionDelegateConfig) *subscriptionDelegate {
	return &subscriptionDelegate{
		listener:         cfg.Listener,
		codec:            cfg.Codec,
		logger:           cfg.Logger,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		badStatusTimeout: cfg.BadStatusTimeout,
		heartbeat:        newSingleTimer(cfg.Scheduler),
		badStatus:        newSingleTimer(cfg.Scheduler),
	}
}

func (d *subscriptionDelegate) handleResponse(status int, header http.Header) {
	d.mu.Lock()
	if d.state != stateAwaitingResponse || d.cancelled {
		d.mu.Unlock()
		return
	}
	d.state = stateStreaming
	d.status = status
	d.header = header
	d.mu.Unlock()

	if !isSuccess(status) {
		// Give the server a moment to send a structured error body.
		d.badStatus.arm(d.badStatusTimeout, d.badStatusExpired)
		return
	}

	d.armHeartbeat()
	d.listener.subscriptionOpened(header)
}

func (d *subscriptionDelegate) handleData(data []byte) {
	d.mu.Lock()
	if d.state != stateStreaming || d.cancelled {
		d.mu.Unlock()
		return
	}

	if !isSuccess(d.status) {
		d.errBody.Write(data)
		var payload ErrorResponse
		if json.Unmarshal(d.errBody.Bytes(), &payload) != nil || payload.Code == "" {
			d.mu.Unlock()
			return
		}
		status, header := d.status, d.header
		d.mu.Unlock()

		d.fail(&ErrorResponse{
			StatusCode:  status,
			Header:      header,
			Code:        payload.Code,
			Description: payload.Description,
			URI:         payload.URI,
		}, true)
		return
	}

	d.buf.Write(data)
	messages, parseErr := d.codec.Parse(&d.buf)
	d.mu.Unlock()

	for _, msg := range messages {
		if !d.streaming() {
			return
		}
		switch m := msg.(type) {
		case *KeepAlive:
			d.armHeartbeat()
		case *Event:
			d.armHeartbeat()
			d.listener.subscriptionEvent(m)
		case *EndOfStream:
			d.endOfStream(m)
			return
		}
	}

	if parseErr != nil {
		d.fail(parseErr, true)
	}
}

func (d *subscriptionDelegate) handleProgress(sent, total int64) {}

func (d *subscriptionDelegate) handleComplete(err error) {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	if d.state == stateCompleted {
		d.mu.Unlock()
		d.logger.Debug("swallowing completion of finished subscription", "error", err)
		return
	}
	status, header := d.status, d.header
	body := bytes.Clone(d.errBody.Bytes())
	d.mu.Unlock()

	switch {
	case status != 0 && !isSuccess(status):
		d.fail(errorResponseFrom(status, header, body), false)
	case err != nil:
		d.fail(err, false)
	default:
		d.fail(ErrStreamClosed, false)
	}
}

func (d *subscriptionDelegate) markCancelled() {
	d.mu.Lock()
	d.cancelled = true
	d.state = stateCompleted
	d.mu.Unlock()
}

func (d *subscriptionDelegate) invalidate() {
	d.heartbeat.stop()
	d.badStatus.stop()
}

func (d *subscriptionDelegate) streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateStreaming && !d.cancelled
}

func (d *subscriptionDelegate) armHeartbeat() {
	if d.heartbeatTimeout <= 0 {
		return
	}
	d.heartbeat.arm(d.heartbeatTimeout, func() {
		d.fail(ErrHeartbeatTimeout, true)
	})
}

func (d *subscriptionDelegate) badStatusExpired() {
	d.mu.Lock()
	status, header := d.status, d.header
	body := bytes.Clone(d.errBody.Bytes())
	d.mu.Unlock()

	d.fail(errorResponseFrom(status, header, body), true)
}

// endOfStream completes the transfer. A numeric retry-after header turns it
// into a retryable error.
func (d *subscriptionDelegate) endOfStream(eos *EndOfStream) {
	if after, ok := retryAfter(eos.Headers); ok {
		d.fail(&RetryableEndOfStreamError{
			After:      after,
			StatusCode: eos.StatusCode,
			Header:     eos.Headers,
			Info:       eos.Info,
		}, true)
		return
	}

	if !d.complete() {
		return
	}
	d.invalidate()
	d.stop()
	d.listener.subscriptionEnded(eos)
	d.settle()
}

// fail delivers err at most once. When cancelTask is set the transport task is
// torn down first, and its resulting completion is swallowed.
func (d *subscriptionDelegate) fail(err error, cancelTask bool) {
	d.mu.Lock()
	if d.errorSent || d.state == stateCompleted {
		d.mu.Unlock()
		d.logger.Debug("swallowing subscription error", "error", err)
		return
	}
	d.errorSent = true
	d.state = stateCompleted
	d.mu.Unlock()

	d.invalidate()
	if !cancelTask {
		d.listener.subscriptionFailed(err)
		return
	}
	d.stop()
	d.listener.subscriptionFailed(err)
	d.settle()
}

func (d *subscriptionDelegate) stop() {
	if d.teardown != nil {
		d.teardown()
	}
}

func (d *subscriptionDelegate) settle() {
	if d.settled != nil {
		d.settled()
	}
}

func (d *subscriptionDelegate) complete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateCompleted {
		return false
	}
	d.state = stateCompleted
	return true
}

// maxRetryAfter caps the delay a server can request through retry-after.
const maxRetryAfter = 24 * time.Hour

// retryAfter reports the delay carried by a numeric retry-after header.
// Delays longer than maxRetryAfter are clamped to it.
func retryAfter(headers map[string]string) (time.Duration, bool) {
	for k, v := range headers {
		if !strings.EqualFold(k, protocol.HeaderRetryAfter) {
			continue
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
			return 0, false
		}
		if secs >= maxRetryAfter.Seconds() {
			return maxRetryAfter, true
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}
