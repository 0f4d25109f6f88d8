package platform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
)

// transferDelegate holds the per-transfer state behind one transport task.
// The registry calls the handle methods sequentially for a given task.
type transferDelegate interface {
	handleResponse(status int, header http.Header)
	handleData(data []byte)
	handleProgress(sent, total int64)
	handleComplete(err error)

	// markCancelled records caller cancellation; later callbacks are dropped.
	markCancelled()

	// invalidate stops every timer the delegate owns.
	invalidate()
}

// Response is the buffered result of a general or upload request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body as JSON into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// errorResponseFrom builds an ErrorResponse, decoding body when it holds a
// structured {error, error_description} payload.
func errorResponseFrom(status int, header http.Header, body []byte) *ErrorResponse {
	resp := &ErrorResponse{StatusCode: status, Header: header}
	if len(bytes.TrimSpace(body)) == 0 {
		return resp
	}
	var payload ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		resp.Code = payload.Code
		resp.Description = payload.Description
		resp.URI = payload.URI
	}
	return resp
}

// generalDelegate buffers a one-shot response.
type generalDelegate struct {
	onSuccess func(*Response)
	onError   func(error)
	logger    *slog.Logger

	mu        sync.Mutex
	status    int
	header    http.Header
	body      bytes.Buffer
	done      bool
	cancelled bool
}

func newGeneralDelegate(onSuccess func(*Response), onError func(error), logger *slog.Logger) *generalDelegate {
	return &generalDelegate{onSuccess: onSuccess, onError: onError, logger: logger}
}

func (d *generalDelegate) handleResponse(status int, header http.Header) {
	d.mu.Lock()
	d.status = status
	d.header = header
	d.mu.Unlock()
}

func (d *generalDelegate) handleData(data []byte) {
	d.mu.Lock()
	if !d.done {
		d.body.Write(data)
	}
	d.mu.Unlock()
}

func (d *generalDelegate) handleProgress(sent, total int64) {}

func (d *generalDelegate) handleComplete(err error) {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	if d.done {
		d.mu.Unlock()
		d.logger.Debug("swallowing completion of finished request", "error", err)
		return
	}
	d.done = true
	status, header := d.status, d.header
	body := bytes.Clone(d.body.Bytes())
	d.mu.Unlock()

	switch {
	case err != nil:
		d.fail(err)
	case !isSuccess(status):
		d.fail(errorResponseFrom(status, header, body))
	default:
		if d.onSuccess != nil {
			d.onSuccess(&Response{StatusCode: status, Header: header, Body: body})
		}
	}
}

func (d *generalDelegate) fail(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

func (d *generalDelegate) markCancelled() {
	d.mu.Lock()
	d.cancelled = true
	d.done = true
	d.mu.Unlock()
}

func (d *generalDelegate) invalidate() {}

// uploadDelegate is a general delegate that also reports send progress.
type uploadDelegate struct {
	*generalDelegate
	onProgress func(sent, total int64)
}

func (d *uploadDelegate) handleProgress(sent, total int64) {
	d.mu.Lock()
	skip := d.done
	d.mu.Unlock()
	if !skip && d.onProgress != nil {
		d.onProgress(sent, total)
	}
}

// Download describes a completed download.
type Download struct {
	Path       string
	StatusCode int
	Header     http.Header
	Size       int64
}

// downloadDelegate streams a 2xx body into a temporary file.
type downloadDelegate struct {
	dir        string
	onProgress func(received, total int64)
	onSuccess  func(*Download)
	onError    func(error)
	logger     *slog.Logger
	teardown   func()
	settled    func()

	mu        sync.Mutex
	status    int
	header    http.Header
	total     int64
	received  int64
	file      *os.File
	errBody   bytes.Buffer
	writeErr  error
	done      bool
	cancelled bool
}

func (d *downloadDelegate) handleResponse(status int, header http.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status = status
	d.header = header
	d.total = -1
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			d.total = n
		}
	}
	if !isSuccess(status) {
		return
	}
	f, err := os.CreateTemp(d.dir, "platform-download-*")
	if err != nil {
		d.writeErr = fmt.Errorf("create download file: %w", err)
		return
	}
	d.file = f
}

func (d *downloadDelegate) handleData(data []byte) {
	d.mu.Lock()
	if d.done || d.writeErr != nil {
		d.mu.Unlock()
		return
	}
	if d.file == nil {
		d.errBody.Write(data)
		d.mu.Unlock()
		return
	}
	if _, err := d.file.Write(data); err != nil {
		d.writeErr = fmt.Errorf("write download file: %w", err)
		d.mu.Unlock()
		if d.teardown != nil {
			d.teardown()
		}
		d.finish(nil)
		if d.settled != nil {
			d.settled()
		}
		return
	}
	d.received += int64(len(data))
	received, total := d.received, d.total
	d.mu.Unlock()

	if d.onProgress != nil {
		d.onProgress(received, total)
	}
}

func (d *downloadDelegate) handleProgress(sent, total int64) {}

func (d *downloadDelegate) handleComplete(err error) {
	d.mu.Lock()
	cancelled := d.cancelled
	d.mu.Unlock()
	if cancelled {
		d.discard()
		return
	}
	d.finish(err)
}

func (d *downloadDelegate) finish(err error) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		d.logger.Debug("swallowing completion of finished download", "error", err)
		return
	}
	d.done = true
	if d.writeErr != nil {
		err = d.writeErr
	}
	status, header := d.status, d.header
	file, size := d.file, d.received
	errBody := bytes.Clone(d.errBody.Bytes())
	d.file = nil
	d.mu.Unlock()

	var path string
	if file != nil {
		path = file.Name()
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close download file: %w", cerr)
		}
	}

	switch {
	case err == nil && !isSuccess(status):
		err = errorResponseFrom(status, header, errBody)
	case err == nil && path == "":
		err = errors.New("platform: download produced no file")
	}

	if err != nil {
		if path != "" {
			os.Remove(path)
		}
		if d.onError != nil {
			d.onError(err)
		}
		return
	}
	if d.onSuccess != nil {
		d.onSuccess(&Download{Path: path, StatusCode: status, Header: header, Size: size})
	}
}

func (d *downloadDelegate) markCancelled() {
	d.mu.Lock()
	d.cancelled = true
	d.mu.Unlock()
}

func (d *downloadDelegate) invalidate() {}

// discard removes a partial file after cancellation.
func (d *downloadDelegate) discard() {
	d.mu.Lock()
	d.done = true
	file := d.file
	d.file = nil
	d.mu.Unlock()

	if file != nil {
		file.Close()
		os.Remove(file.Name())
	}
}
