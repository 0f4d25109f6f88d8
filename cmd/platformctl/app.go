package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ahimsalabs/platform-go/platform"
	"github.com/ahimsalabs/platform-go/platform/transport"
	"github.com/ahimsalabs/platform-go/storage/badgerstore"
)

// app carries the resolved configuration and the process-wide resources
// shared by every command.
type app struct {
	flags  globalFlags
	cfg    *Config
	logger *slog.Logger
	out    *printer

	closers []func(context.Context) error
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.flags.ConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.override(cmd, &a.flags); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := parseLevel(cfg.LogLevel)
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	a.out = newPrinter(cmd.OutOrStdout())

	if cfg.Trace {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(&logExporter{logger: a.logger}))
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		a.closers = append(a.closers, tp.Shutdown)
	}
	return nil
}

// shutdown releases resources in reverse order of acquisition.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

// newClient builds a platform client from the configuration. mutate, when
// non-nil, adjusts the client config before the client is created.
func (a *app) newClient(mutate func(*platform.ClientConfig)) (*platform.Client, error) {
	cfg := a.cfg

	tr := transport.Chain(
		transport.WithTracing(nil),
		transport.WithLogging(a.logger),
	)(transport.NewHTTPTransport(nil))

	ccfg := &platform.ClientConfig{
		Transport:        tr,
		ServiceName:      cfg.Service,
		ServiceVersion:   cfg.ServiceVersion,
		Logger:           a.logger,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		DownloadDir:      cfg.DownloadDir,
	}
	if len(cfg.Headers) > 0 {
		ccfg.Header = make(http.Header, len(cfg.Headers))
		for k, v := range cfg.Headers {
			ccfg.Header.Set(k, v)
		}
	}

	switch {
	case cfg.Token != "":
		ccfg.TokenProvider = platform.StaticToken(cfg.Token)
	case cfg.OAuth != nil:
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		ccfg.TokenProvider = platform.TokenSourceProvider(cc.TokenSource(context.Background()))
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		ccfg.Metrics = platform.NewMetrics(reg)
		if err := a.serveMetrics(reg); err != nil {
			return nil, err
		}
	}

	if mutate != nil {
		mutate(ccfg)
	}

	var (
		c   *platform.Client
		err error
	)
	if cfg.Locator != "" {
		c, err = platform.NewClientForInstance(cfg.Locator, ccfg)
	} else {
		c, err = platform.NewClient(cfg.BaseURL, ccfg)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	return c, nil
}

// tokenRequired reports whether requests should carry a bearer token.
func (a *app) tokenRequired() bool {
	return a.cfg.Token != "" || a.cfg.OAuth != nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	a.closers = append(a.closers, srv.Shutdown)
	return nil
}

// openCursorStore opens the Badger cursor store when one is configured.
func (a *app) openCursorStore() (*badgerstore.Store, error) {
	if a.cfg.CursorDB == "" {
		return nil, nil
	}
	if err := os.MkdirAll(a.cfg.CursorDB, 0o755); err != nil {
		return nil, fmt.Errorf("cursor db: %w", err)
	}
	store, err := badgerstore.New(badgerstore.Options{
		Dir:     a.cfg.CursorDB,
		TTL:     a.cfg.CursorTTL,
		Logger:  quietBadger{},
		SLogger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return store, nil
}

// quietBadger drops Badger's own log output; badgerstore logs what matters
// through slog.
type quietBadger struct{}

func (quietBadger) Errorf(string, ...any)   {}
func (quietBadger) Warningf(string, ...any) {}
func (quietBadger) Infof(string, ...any)    {}
func (quietBadger) Debugf(string, ...any)   {}

// logExporter writes finished spans to the logger.
type logExporter struct {
	logger *slog.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		e.logger.InfoContext(ctx, "span "+s.Name(), attrs...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
