// Package platform implements a client for a resumable, HTTP-transported
// subscription protocol and the one-shot requests, uploads and downloads that
// share its transport.
//
// Subscriptions stream newline-delimited JSON frames over a long-lived
// request. SubscribeWithResume survives connection loss by re-opening the
// subscription from the last received event id, with the caller's callbacks
// left in place across every resume.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go4org/hashtriemap"

	"github.com/ahimsalabs/platform-go/platform/internal/protocol"
	"github.com/ahimsalabs/platform-go/platform/transport"
)

// Default client timeouts.
const (
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultBadStatusTimeout = 5 * time.Second
)

// ClientConfig configures a Client.
//
// # Zero Values
//
// Zero values are replaced with defaults:
//   - Transport: transport.NewHTTPTransport(nil)
//   - Logger: slog.Default()
//   - Scheduler: TimerScheduler
//   - RetryPolicyFor: DefaultRetryPolicyFor
//   - HeartbeatTimeout: 60s (negative disables the heartbeat)
//   - BadStatusTimeout: 5s
//   - DownloadDir: os.TempDir()
type ClientConfig struct {
	// Transport performs the network exchanges. The client installs its
	// TaskRegistry as the transport's handler.
	Transport transport.Transport

	// ServiceName and ServiceVersion namespace relative destinations as
	// /services/<name>/<version>/<instance>/<path>. They require a client
	// created with NewClientForInstance.
	ServiceName    string
	ServiceVersion string

	// Header is added to every request. Per-request headers take precedence.
	Header http.Header

	// TokenProvider supplies bearer tokens for requests with TokenRequired.
	TokenProvider TokenProvider

	Logger    *slog.Logger
	Scheduler Scheduler

	// RetryPolicyFor returns a fresh policy for a method when the request
	// options carry none.
	RetryPolicyFor func(method string) RetryPolicy

	// HeartbeatTimeout is how long a subscription may go without a keep-alive
	// or event before it is treated as dead.
	HeartbeatTimeout time.Duration

	// BadStatusTimeout bounds the wait for a structured error body after a
	// non-2xx subscription response.
	BadStatusTimeout time.Duration

	// Metrics is optional.
	Metrics *Metrics

	// DownloadDir receives downloaded files.
	DownloadDir string
}

// Client dispatches requests and subscriptions over a shared Transport.
//
// A Client owns its TaskRegistry. ResumableSubscription and RetryableRequest
// hold a non-owning reference to the Client that created them and must not be
// used after Close.
type Client struct {
	baseURL   *url.URL
	locator   *Locator
	service   string
	version   string
	header    http.Header
	transport transport.Transport
	registry  *TaskRegistry
	tokens    TokenProvider
	logger    *slog.Logger
	scheduler Scheduler
	policyFor func(method string) RetryPolicy
	metrics   *Metrics

	heartbeatTimeout time.Duration
	badStatusTimeout time.Duration
	downloadDir      string

	// handles holds every live Request, ResumableSubscription and
	// RetryableRequest so Close can cancel them.
	handles    hashtriemap.HashTrieMap[uint64, canceler]
	nextHandle atomic.Uint64
	closed     atomic.Bool
}

type canceler interface {
	Cancel()
}

// NewClient creates a client for baseURL.
// Pass nil for cfg to use defaults.
func NewClient(baseURL string, cfg *ClientConfig) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidOptions, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: base url %q is not absolute", ErrInvalidOptions, baseURL)
	}
	if cfg != nil && cfg.ServiceName != "" {
		return nil, fmt.Errorf("%w: service namespacing requires an instance locator", ErrInvalidOptions)
	}
	return newClient(u, nil, cfg), nil
}

// NewClientForInstance creates a client for the instance named by locator,
// e.g. "v1:us1:4d5e6f". Relative destinations are namespaced under the
// configured service.
func NewClientForInstance(locator string, cfg *ClientConfig) (*Client, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.ServiceName == "" || cfg.ServiceVersion == "" {
		return nil, fmt.Errorf("%w: instance clients need ServiceName and ServiceVersion", ErrInvalidOptions)
	}
	u, err := url.Parse(loc.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	return newClient(u, &loc, cfg), nil
}

func newClient(u *url.URL, loc *Locator, cfg *ClientConfig) *Client {
	c := &Client{
		baseURL:          u,
		locator:          loc,
		header:           make(http.Header),
		registry:         NewTaskRegistry(),
		logger:           slog.Default(),
		scheduler:        TimerScheduler{},
		policyFor:        DefaultRetryPolicyFor,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		badStatusTimeout: DefaultBadStatusTimeout,
	}

	if cfg != nil {
		c.transport = cfg.Transport
		c.service = cfg.ServiceName
		c.version = cfg.ServiceVersion
		if cfg.Header != nil {
			c.header = cfg.Header.Clone()
		}
		c.tokens = cfg.TokenProvider
		if cfg.Logger != nil {
			c.logger = cfg.Logger
		}
		if cfg.Scheduler != nil {
			c.scheduler = cfg.Scheduler
		}
		if cfg.RetryPolicyFor != nil {
			c.policyFor = cfg.RetryPolicyFor
		}
		if cfg.HeartbeatTimeout != 0 {
			c.heartbeatTimeout = cfg.HeartbeatTimeout
		}
		if cfg.BadStatusTimeout > 0 {
			c.badStatusTimeout = cfg.BadStatusTimeout
		}
		c.metrics = cfg.Metrics
		c.downloadDir = cfg.DownloadDir
	}
	if c.transport == nil {
		c.transport = transport.NewHTTPTransport(nil)
	}
	c.transport.SetHandler(c.registry)

	return c
}

// Registry returns the client's task registry.
func (c *Client) Registry() *TaskRegistry {
	return c.registry
}

// RequestCallbacks receive the outcome of a one-shot request. Exactly one of
// them fires, unless the request is cancelled first.
type RequestCallbacks struct {
	OnSuccess func(*Response)
	OnError   func(error)
}

// Request dispatches a one-shot request without retries.
// Construction errors are returned; everything after dispatch is reported
// through cb.
func (c *Client) Request(opts *RequestOptions, cb RequestCallbacks) (*Request, error) {
	return c.request(opts, cb, nil)
}

func (c *Client) request(opts *RequestOptions, cb RequestCallbacks, owner canceler) (*Request, error) {
	d := newGeneralDelegate(cb.OnSuccess, c.countFailure(transport.KindGeneral, cb.OnError), c.logger)
	return c.start(transport.KindGeneral, opts, d, owner)
}

// RequestWithRetry dispatches a one-shot request, retrying it under the
// options' policy, or the client default for the method.
func (c *Client) RequestWithRetry(opts *RequestOptions, cb RequestCallbacks) (*RetryableRequest, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	rr := newRetryableRequest(c, opts, c.retryPolicy(opts), cb)
	if err := rr.start(); err != nil {
		return nil, err
	}
	return rr, nil
}

// Do sends a request and waits for its outcome, retrying per policy.
// Cancelling ctx cancels the request.
func (c *Client) Do(ctx context.Context, opts *RequestOptions) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	ch := make(chan result, 1)
	rr, err := c.RequestWithRetry(opts, RequestCallbacks{
		OnSuccess: func(resp *Response) { ch <- result{resp: resp} },
		OnError:   func(err error) { ch <- result{err: err} },
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		rr.Cancel()
		return nil, ctx.Err()
	case r := <-ch:
		return r.resp, r.err
	}
}

// SubscriptionCallbacks receive subscription lifecycle notifications.
// Any field may be nil.
type SubscriptionCallbacks struct {
	// OnOpening fires before each attempt to open the subscription.
	OnOpening func()

	// OnOpen fires when the server accepts an attempt with a 2xx status.
	OnOpen func(header http.Header)

	// OnResuming fires when a resumable subscription lost its connection and
	// is waiting to resume.
	OnResuming func()

	OnEvent func(ev *Event)

	// OnEnd fires once when the server closes the subscription. eos is nil
	// when a resumable subscription was ended by Unsubscribe.
	OnEnd func(eos *EndOfStream)

	// OnError fires once with the terminal error.
	OnError func(err error)
}

// Subscribe opens a subscription without resuming. An empty method defaults
// to SUBSCRIBE.
func (c *Client) Subscribe(opts *RequestOptions, cb SubscriptionCallbacks) (*Request, error) {
	if opts != nil && opts.Method == "" {
		opts.Method = protocol.MethodSubscribe
	}
	l := &callbackListener{cb: cb, metrics: c.metrics}
	if cb.OnOpening != nil {
		cb.OnOpening()
	}
	return c.start(transport.KindSubscription, opts, c.newSubscriptionDelegate(l), nil)
}

// SubscribeWithResume opens a subscription that resumes after errors under
// the options' retry policy. resume may be nil.
func (c *Client) SubscribeWithResume(opts *RequestOptions, cb SubscriptionCallbacks, resume *ResumeOptions) (*ResumableSubscription, error) {
	if opts != nil && opts.Method == "" {
		opts.Method = protocol.MethodSubscribe
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if resume != nil && (resume.Store == nil || resume.Key == "") {
		return nil, fmt.Errorf("%w: resume options need a store and a key", ErrInvalidOptions)
	}

	s := newResumableSubscription(c, opts, c.retryPolicy(opts), cb, resume)
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

// UploadOptions describe the file part of a multipart upload.
type UploadOptions struct {
	// FieldName is the form field of the file part. Default: "file".
	FieldName string

	// FileName is sent in the part's Content-Disposition. Default: the base
	// name of File, or "upload".
	FileName string

	// ContentType of the file part. Default: application/octet-stream.
	ContentType string

	// Data is the file content. When nil, the content is read from File.
	Data []byte
	File string

	// Fields are extra form fields written before the file part.
	Fields map[string]string
}

// UploadCallbacks receive upload progress and outcome.
type UploadCallbacks struct {
	OnProgress func(sent, total int64)
	OnSuccess  func(*Response)
	OnError    func(error)
}

// Upload sends a multipart/form-data request. An empty method defaults to POST.
// opts is not modified.
func (c *Client) Upload(opts *RequestOptions, up UploadOptions, cb UploadCallbacks) (*Request, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: nil options", ErrInvalidOptions)
	}
	body, contentType, err := multipartBody(up)
	if err != nil {
		return nil, err
	}

	o := *opts
	o.Header = opts.Header.Clone()
	if o.Method == "" {
		o.Method = http.MethodPost
	}
	o.SetHeader(protocol.HeaderContentType, contentType)
	o.Body = body

	d := &uploadDelegate{
		generalDelegate: newGeneralDelegate(cb.OnSuccess, c.countFailure(transport.KindUpload, cb.OnError), c.logger),
		onProgress:      cb.OnProgress,
	}
	return c.start(transport.KindUpload, &o, d, nil)
}

func multipartBody(up UploadOptions) ([]byte, string, error) {
	data := up.Data
	if data == nil {
		if up.File == "" {
			return nil, "", fmt.Errorf("%w: upload needs Data or File", ErrInvalidOptions)
		}
		var err error
		if data, err = os.ReadFile(up.File); err != nil {
			return nil, "", fmt.Errorf("read upload file: %w", err)
		}
	}

	field := up.FieldName
	if field == "" {
		field = "file"
	}
	name := up.FileName
	if name == "" && up.File != "" {
		name = filepath.Base(up.File)
	}
	if name == "" {
		name = "upload"
	}
	ct := up.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	keys := make([]string, 0, len(up.Fields))
	for k := range up.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := w.WriteField(k, up.Fields[k]); err != nil {
			return nil, "", fmt.Errorf("write form field: %w", err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// DownloadCallbacks receive download progress and outcome. total is -1 when
// the server sent no Content-Length.
type DownloadCallbacks struct {
	OnProgress func(received, total int64)
	OnSuccess  func(*Download)
	OnError    func(error)
}

// Download streams the response body into a new file in the client's
// DownloadDir. The file is removed if the download fails. An empty method
// defaults to GET.
func (c *Client) Download(opts *RequestOptions, cb DownloadCallbacks) (*Request, error) {
	if opts != nil && opts.Method == "" {
		opts.Method = http.MethodGet
	}
	d := &downloadDelegate{
		dir:        c.downloadDir,
		onProgress: cb.OnProgress,
		onSuccess:  cb.OnSuccess,
		onError:    c.countFailure(transport.KindDownload, cb.OnError),
		logger:     c.logger,
	}
	return c.start(transport.KindDownload, opts, d, nil)
}

// Unsubscribe cancels the transfer registered under id. When the transfer is
// an attempt of a ResumableSubscription or RetryableRequest, the owning
// wrapper is cancelled instead, so it ends rather than resuming or retrying.
// It reports whether a transfer was found.
func (c *Client) Unsubscribe(id transport.TaskID) bool {
	req, ok := c.registry.Lookup(id)
	if !ok {
		return false
	}
	if req.owner != nil {
		req.owner.Cancel()
		return true
	}
	req.Cancel()
	return true
}

// Close cancels every live request and subscription. Later dispatches fail
// with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var live []canceler
	c.handles.Range(func(_ uint64, h canceler) bool {
		live = append(live, h)
		return true
	})
	for _, h := range live {
		h.Cancel()
	}
	return nil
}

func (c *Client) track(h canceler) uint64 {
	id := c.nextHandle.Add(1)
	c.handles.Store(id, h)
	return id
}

func (c *Client) untrack(id uint64) {
	if id != 0 {
		c.handles.Delete(id)
	}
}

func (c *Client) retryPolicy(opts *RequestOptions) RetryPolicy {
	if opts.RetryPolicy != nil {
		return opts.RetryPolicy
	}
	return c.policyFor(opts.Method)
}

func (c *Client) countFailure(kind transport.Kind, onError func(error)) func(error) {
	return func(err error) {
		c.metrics.transferFailed(kind)
		if onError != nil {
			onError(err)
		}
	}
}

func (c *Client) newSubscriptionDelegate(l subscriptionListener) *subscriptionDelegate {
	return newSubscriptionDelegate(subscriptionDelegateConfig{
		Listener:         l,
		Codec:            NewMessageCodec(c.logger),
		Logger:           c.logger,
		Scheduler:        c.scheduler,
		HeartbeatTimeout: c.heartbeatTimeout,
		BadStatusTimeout: c.badStatusTimeout,
	})
}

// start builds and dispatches a Request. Errors detected before the transfer
// exists are returned; later ones go through the delegate. owner, if set, is
// the wrapper the request is one attempt of.
func (c *Client) start(kind transport.Kind, opts *RequestOptions, d transferDelegate, owner canceler) (*Request, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	treq, err := c.transportRequest(kind, opts)
	if err != nil {
		return nil, err
	}
	if opts.TokenRequired && c.tokens == nil {
		return nil, fmt.Errorf("%w: token required but no token provider configured", ErrInvalidOptions)
	}

	r := newRequest(c, kind, opts, d)
	r.owner = owner
	r.handle = c.track(r)

	if !opts.TokenRequired {
		if err := c.dispatch(r, treq); err != nil {
			r.finish()
			return nil, err
		}
		return r, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.stopFetch = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()
		token, err := c.tokens.FetchToken(ctx)
		if r.isCancelled() {
			return
		}
		if err != nil {
			r.delegate.handleComplete(fmt.Errorf("platform: fetch token: %w", err))
			r.finish()
			return
		}
		treq.Header.Set(protocol.HeaderAuthorization, "Bearer "+token)
		if err := c.dispatch(r, treq); err != nil {
			r.delegate.handleComplete(err)
			r.finish()
		}
	}()
	return r, nil
}

// dispatch creates, registers and starts the transport task for r.
// A colliding task identifier is reported without disturbing the transfer
// that already owns it; the new task is never started.
func (c *Client) dispatch(r *Request, treq *transport.Request) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	id, err := c.transport.Create(treq)
	if err != nil {
		return fmt.Errorf("platform: create task: %w", err)
	}
	if !r.bind(id) {
		c.transport.Cancel(id)
		return nil
	}
	if err := c.registry.Register(r); err != nil {
		r.unbind()
		return err
	}

	c.metrics.transferStarted(r.kind)
	if err := c.transport.Start(id); err != nil {
		c.registry.removeIf(id, r)
		r.unbind()
		return fmt.Errorf("platform: start task: %w", err)
	}
	return nil
}

// transportRequest resolves opts into the exact request to send. Namespace
// rewriting happens here, before the task exists.
func (c *Client) transportRequest(kind transport.Kind, opts *RequestOptions) (*transport.Request, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	target, err := c.resolve(opts.Destination)
	if err != nil {
		return nil, err
	}

	header := c.header.Clone()
	for k, v := range opts.Header {
		header[k] = slices.Clone(v)
	}
	return &transport.Request{
		Kind:   kind,
		Method: opts.Method,
		URL:    target,
		Header: header,
		Body:   opts.Body,
	}, nil
}

func (c *Client) resolve(dest Destination) (string, error) {
	if dest.IsAbsolute() {
		u, err := url.Parse(dest.absolute)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return "", fmt.Errorf("%w: %q is not an absolute url", ErrInvalidOptions, dest.absolute)
		}
		return u.String(), nil
	}

	ref, err := url.Parse(dest.path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("%w: relative destination %q has a scheme or host", ErrInvalidOptions, dest.path)
	}

	p := ref.Path
	if c.service != "" && c.locator != nil {
		p = servicePath(c.service, c.version, c.locator.InstanceID, p)
	} else if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	query := ref.Query()
	for k, vs := range dest.query {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + p
	u.RawPath = ""
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// callbackListener delivers a plain subscription's outcome to the caller.
type callbackListener struct {
	cb      SubscriptionCallbacks
	metrics *Metrics
}

func (l *callbackListener) subscriptionOpened(header http.Header) {
	if l.cb.OnOpen != nil {
		l.cb.OnOpen(header)
	}
}

func (l *callbackListener) subscriptionEvent(ev *Event) {
	l.metrics.eventReceived()
	if l.cb.OnEvent != nil {
		l.cb.OnEvent(ev)
	}
}

func (l *callbackListener) subscriptionEnded(eos *EndOfStream) {
	if l.cb.OnEnd != nil {
		l.cb.OnEnd(eos)
	}
}

func (l *callbackListener) subscriptionFailed(err error) {
	l.metrics.transferFailed(transport.KindSubscription)
	if l.cb.OnError != nil {
		l.cb.OnError(err)
	}
}
