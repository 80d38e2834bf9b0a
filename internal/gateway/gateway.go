// Package gateway proxies application-level calls to the worker's HTTP API.
// It consults the supervisor for liveness but owns no lifecycle state.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/warden-sh/warden/internal/event"
	"github.com/warden-sh/warden/internal/metrics"
)

// Supervisor is the slice of the lifecycle controller the gateway needs.
type Supervisor interface {
	IsRunning() bool
	// CheckNow schedules an out-of-band health probe without blocking.
	CheckNow()
}

// Result is the outcome of a proxied call.
type Result struct {
	Success bool            `json:"success"`
	Status  int             `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Err     string          `json:"error,omitempty"`
}

// Gateway issues JSON requests against the worker's API base URL with a fixed
// per-call timeout. Transport failures surface as api_error events and, when
// they look like a dead worker, trigger an early health re-check.
type Gateway struct {
	sup     Supervisor
	bus     *event.Bus
	log     *slog.Logger
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// New builds a gateway for a worker listening on host:port. Calls go to
// http://host:port/api<endpoint>.
func New(sup Supervisor, bus *event.Bus, log *slog.Logger, host string, port int, timeout time.Duration) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		sup:     sup,
		bus:     bus,
		log:     log,
		baseURL: fmt.Sprintf("http://%s/api", net.JoinHostPort(host, fmt.Sprintf("%d", port))),
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Call proxies one request to the worker. When the supervisor does not
// consider the worker running it fails fast with no network activity. The
// body is JSON-encoded for non-GET methods; the response body is returned
// raw for the caller to decode further.
func (g *Gateway) Call(ctx context.Context, endpoint, method string, body any) Result {
	if !g.sup.IsRunning() {
		return Result{Success: false, Err: "worker is not running"}
	}

	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil && method != http.MethodGet {
		buf, err := json.Marshal(body)
		if err != nil {
			return Result{Success: false, Err: fmt.Sprintf("encode request body: %v", err)}
		}
		reader = bytes.NewReader(buf)
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	req, err := http.NewRequestWithContext(cctx, method, g.baseURL+endpoint, reader)
	if err != nil {
		return Result{Success: false, Err: err.Error()}
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		msg := err.Error()
		g.bus.Publish(event.APIError(endpoint, method, msg))
		g.log.Warn("worker call failed", "endpoint", endpoint, "method", method, "error", err)
		metrics.IncAPIRequest(method, false)
		if looksLikeDeadWorker(err) {
			g.sup.CheckNow()
		}
		return Result{Success: false, Err: msg}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		g.bus.Publish(event.APIError(endpoint, method, err.Error()))
		metrics.IncAPIRequest(method, false)
		return Result{Success: false, Status: resp.StatusCode, Err: err.Error()}
	}

	res := Result{
		Status: resp.StatusCode,
		Data:   json.RawMessage(data),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
	} else {
		res.Err = fmt.Sprintf("worker returned status %d", resp.StatusCode)
	}
	metrics.IncAPIRequest(method, res.Success)
	return res
}

// looksLikeDeadWorker classifies transport errors that suggest the worker
// process is gone rather than merely slow or misbehaving.
func looksLikeDeadWorker(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
