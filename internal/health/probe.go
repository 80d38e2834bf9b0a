// Package health performs liveness probes against the worker's HTTP health
// endpoint. A probe is a readiness signal, not a business-logic check.
package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultPath is probed when no path is configured.
const DefaultPath = "/health"

// Record is the outcome of a single probe. Exactly one record is retained by
// the supervisor: the most recent.
type Record struct {
	At         time.Time `json:"at"`
	Healthy    bool      `json:"healthy"`
	StatusCode int       `json:"status_code,omitempty"`
	Err        string    `json:"error,omitempty"`
}

// Reason describes why the record is unhealthy, for event payloads.
func (r Record) Reason() string {
	if r.Healthy {
		return ""
	}
	if r.Err != "" {
		return r.Err
	}
	return fmt.Sprintf("health endpoint returned status %d", r.StatusCode)
}

// Prober issues GET probes. Safe for concurrent use.
type Prober struct {
	client *http.Client
	path   string
}

// NewProber builds a prober for the given health path. The per-call timeout
// is supplied on Check so one prober serves startup polling and periodic
// checks alike.
func NewProber(path string) *Prober {
	if path == "" {
		path = DefaultPath
	}
	return &Prober{
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		path: path,
	}
}

// Check performs one GET against host:port and classifies the result. It
// never returns an error: transport failures, timeouts and non-success
// statuses all yield an unhealthy Record. It completes within timeout.
func (p *Prober) Check(ctx context.Context, host string, port int, timeout time.Duration) Record {
	rec := Record{At: time.Now()}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, fmt.Sprintf("%d", port)), p.path)
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		rec.Err = err.Error()
		return rec
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			rec.Err = fmt.Sprintf("health check timed out after %s", timeout)
		} else {
			rec.Err = err.Error()
		}
		return rec
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	rec.StatusCode = resp.StatusCode
	rec.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	return rec
}
