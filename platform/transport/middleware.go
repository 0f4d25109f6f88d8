package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go4org/hashtriemap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// WithLogging wraps a transport with task lifecycle logging.
//
// Example:
//
//	t := WithLogging(slog.Default())(NewHTTPTransport(nil))
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Transport) Transport {
		return &loggingTransport{next: next, logger: logger}
	}
}

type loggingTransport struct {
	next   Transport
	logger *slog.Logger
	tasks  hashtriemap.HashTrieMap[TaskID, taskLog]
}

type taskLog struct {
	kind   Kind
	method string
	url    string
	start  time.Time
}

func (t *loggingTransport) SetHandler(h Handler) {
	t.next.SetHandler(&loggingHandler{next: h, t: t})
}

func (t *loggingTransport) Create(req *Request) (TaskID, error) {
	id, err := t.next.Create(req)
	if err != nil {
		t.logger.Error("transport task create failed",
			"kind", req.Kind.String(),
			"method", req.Method,
			"url", req.URL,
			"error", err,
		)
		return id, err
	}
	t.tasks.Store(id, taskLog{kind: req.Kind, method: req.Method, url: req.URL, start: time.Now()})
	t.logger.Debug("transport task created",
		"task", id,
		"kind", req.Kind.String(),
		"method", req.Method,
		"url", req.URL,
	)
	return id, nil
}

func (t *loggingTransport) Start(id TaskID) error {
	err := t.next.Start(id)
	if err != nil {
		t.logger.Error("transport task start failed", "task", id, "error", err)
	}
	return err
}

func (t *loggingTransport) Cancel(id TaskID) {
	t.logger.Debug("transport task cancel", "task", id)
	t.next.Cancel(id)
}

type loggingHandler struct {
	next Handler
	t    *loggingTransport
}

func (h *loggingHandler) OnResponse(id TaskID, resp *Response) {
	h.t.logger.Debug("transport task response", "task", id, "status", resp.StatusCode)
	h.next.OnResponse(id, resp)
}

func (h *loggingHandler) OnData(id TaskID, data []byte) {
	h.next.OnData(id, data)
}

func (h *loggingHandler) OnProgress(id TaskID, sent, total int64) {
	h.next.OnProgress(id, sent, total)
}

func (h *loggingHandler) OnComplete(id TaskID, err error) {
	info, _ := h.t.tasks.LoadAndDelete(id)
	duration := time.Duration(0)
	if !info.start.IsZero() {
		duration = time.Since(info.start)
	}
	switch {
	case err == nil:
		h.t.logger.Debug("transport task completed",
			"task", id,
			"kind", info.kind.String(),
			"duration", duration,
		)
	case errors.Is(err, ErrCancelled):
		h.t.logger.Debug("transport task cancelled",
			"task", id,
			"kind", info.kind.String(),
			"duration", duration,
		)
	default:
		h.t.logger.Error("transport task failed",
			"task", id,
			"kind", info.kind.String(),
			"method", info.method,
			"url", info.url,
			"duration", duration,
			"error", err,
		)
	}
	h.next.OnComplete(id, err)
}

// WithTracing wraps a transport so every task is recorded as a client span.
// The span context is injected into the request headers before dispatch using
// the global text map propagator. Pass nil to use the global tracer provider.
func WithTracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("github.com/ahimsalabs/platform-go/platform/transport")
	}
	return func(next Transport) Transport {
		return &tracingTransport{next: next, tracer: tracer}
	}
}

type tracingTransport struct {
	next   Transport
	tracer trace.Tracer
	spans  hashtriemap.HashTrieMap[TaskID, trace.Span]
}

func (t *tracingTransport) SetHandler(h Handler) {
	t.next.SetHandler(&tracingHandler{next: h, t: t})
}

func (t *tracingTransport) Create(req *Request) (TaskID, error) {
	ctx, span := t.tracer.Start(context.Background(), "platform."+req.Kind.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL),
			attribute.String("platform.transfer.kind", req.Kind.String()),
		),
	)
	if req.Header != nil {
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	}

	id, err := t.next.Create(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return id, err
	}
	span.SetAttributes(attribute.String("platform.task.id", string(id)))
	t.spans.Store(id, span)
	return id, nil
}

func (t *tracingTransport) Start(id TaskID) error {
	err := t.next.Start(id)
	if err != nil {
		if span, ok := t.spans.LoadAndDelete(id); ok {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		}
	}
	return err
}

func (t *tracingTransport) Cancel(id TaskID) {
	if span, ok := t.spans.Load(id); ok {
		span.AddEvent("cancel")
	}
	t.next.Cancel(id)
}

type tracingHandler struct {
	next Handler
	t    *tracingTransport
}

func (h *tracingHandler) OnResponse(id TaskID, resp *Response) {
	if span, ok := h.t.spans.Load(id); ok {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.StatusCode >= 400 {
			span.SetStatus(codes.Error, "bad response status")
		}
	}
	h.next.OnResponse(id, resp)
}

func (h *tracingHandler) OnData(id TaskID, data []byte) {
	h.next.OnData(id, data)
}

func (h *tracingHandler) OnProgress(id TaskID, sent, total int64) {
	h.next.OnProgress(id, sent, total)
}

func (h *tracingHandler) OnComplete(id TaskID, err error) {
	if span, ok := h.t.spans.LoadAndDelete(id); ok {
		if err != nil && !errors.Is(err, ErrCancelled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	h.next.OnComplete(id, err)
}
