// Package warden supervises a single backend worker process on behalf of a
// host application: it spawns the worker, probes its health endpoint, restarts
// it within a bounded retry policy, and proxies API calls to it.
package warden

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/event"
	"github.com/warden-sh/warden/internal/gateway"
	"github.com/warden-sh/warden/internal/history"
	"github.com/warden-sh/warden/internal/history/factory"
	"github.com/warden-sh/warden/internal/logger"
	"github.com/warden-sh/warden/internal/metrics"
	iapi "github.com/warden-sh/warden/internal/server"
	"github.com/warden-sh/warden/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Status = supervisor.Status

type State = supervisor.State

type Event = event.Event

type EventKind = event.Kind

type CallResult = gateway.Result

type HistorySink = history.Sink

// DefaultConfig returns a Config with every option at its default. Callers
// still have to fill in Worker.Command and Worker.Entrypoint (or set DevMode).
func DefaultConfig() Config { return cfg.Default() }

// LoadConfig reads a TOML configuration file and applies defaults for any
// option it omits.
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// Warden is a thin facade over the internal supervisor, gateway and history
// machinery. It provides a stable public API for embedding.
type Warden struct {
	cfg    cfg.Config
	bus    *event.Bus
	sup    *supervisor.Supervisor
	gw     *gateway.Gateway
	sinks  []history.Sink
	unsubs []func()
	log    *slog.Logger
}

// New validates cfg, builds the supervisor and gateway, and connects any
// configured history sinks. The worker is not started; call Start.
func New(c Config) (*Warden, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log := logger.New(os.Stderr, c.Log.Level)
	bus := event.NewBus()
	sup := supervisor.New(c, bus, log)
	gw := gateway.New(sup, bus, log, c.Host, c.Port, c.CallTimeout)

	w := &Warden{cfg: c, bus: bus, sup: sup, gw: gw, log: log}
	for _, dsn := range c.History.DSNs {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		w.attachSink(sink)
	}
	return w, nil
}

// AttachSink connects an additional history sink; lifecycle events are
// persisted to it until Close. Useful for custom Sink implementations that
// have no DSN form.
func (w *Warden) AttachSink(s history.Sink) { w.attachSink(s) }

func (w *Warden) attachSink(s history.Sink) {
	w.sinks = append(w.sinks, s)
	unsub := w.bus.SubscribeAll(func(e event.Event) {
		if !e.Lifecycle() {
			return
		}
		entry := history.FromEvent(e, w.sup.Status().PID)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Send(ctx, entry); err != nil {
			w.log.Warn("history sink write failed", "error", err)
		}
	})
	w.unsubs = append(w.unsubs, unsub)
}

// Start requests a worker start. It returns false when the supervisor has
// already shut down.
func (w *Warden) Start() bool { return w.sup.Start() }

// Stop requests a worker stop. Stop preempts any in-flight start or pending
// auto-restart.
func (w *Warden) Stop() bool { return w.sup.Stop() }

// Restart stops the worker if running and starts it again after the
// configured restart delay.
func (w *Warden) Restart() bool { return w.sup.Restart() }

// IsRunning reports whether the worker is in the running state.
func (w *Warden) IsRunning() bool { return w.sup.IsRunning() }

// Status returns a snapshot of the worker's state.
func (w *Warden) Status() Status { return w.sup.Status() }

// Call proxies a request to the worker's API. Endpoint is relative to the
// worker's /api base, e.g. "documents/search".
func (w *Warden) Call(ctx context.Context, endpoint, method string, body any) CallResult {
	return w.gw.Call(ctx, endpoint, method, body)
}

// Subscribe registers a handler for one event kind. The returned function
// removes the subscription.
func (w *Warden) Subscribe(kind EventKind, h func(Event)) func() {
	return w.bus.Subscribe(kind, h)
}

// SubscribeAll registers a handler for every event, including worker stdio
// lines.
func (w *Warden) SubscribeAll(h func(Event)) func() { return w.bus.SubscribeAll(h) }

// Close stops the worker if running, shuts the supervisor down, flushes the
// event bus and closes all history sinks.
func (w *Warden) Close() {
	w.sup.Stop()
	w.sup.Shutdown()
	// Close drains the bus, so sinks see every event published before it.
	w.bus.Close()
	for _, u := range w.unsubs {
		u()
	}
	for _, s := range w.sinks {
		if err := s.Close(); err != nil {
			w.log.Warn("history sink close failed", "error", err)
		}
	}
}

// Handler returns the control API as an http.Handler for mounting into an
// existing server.
func (w *Warden) Handler() http.Handler {
	return iapi.NewRouter(w.sup, w.gw, w.cfg.Server.BasePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the control API for the given
// Warden. Routes live under basePath (default /api).
func NewHTTPServer(addr, basePath string, w *Warden) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, w.sup, w.gw)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
