// Package client talks to a running warden control API over HTTP. It is the
// transport behind the CLI and is usable by embedding applications that run
// the supervisor in a separate process.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	Insecure bool // skip TLS verification for https base URLs
}

// DefaultConfig targets a local daemon with the default control listen
// address and base path.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9690/api",
		Timeout: 10 * time.Second,
	}
}

// Client is a thin JSON client over the control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := &http.Transport{}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  cfg.Logger,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
}

// IsReachable reports whether a daemon answers on the base URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the supervisor snapshot as raw JSON; callers decode into
// their own view of the status to avoid an import cycle with internal types.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Start asks the daemon to start the worker.
func (c *Client) Start(ctx context.Context) error {
	return c.post(ctx, "/start", nil, nil)
}

// Stop asks the daemon to stop the worker.
func (c *Client) Stop(ctx context.Context) error {
	return c.post(ctx, "/stop", nil, nil)
}

// Restart asks the daemon to restart the worker.
func (c *Client) Restart(ctx context.Context) error {
	return c.post(ctx, "/restart", nil, nil)
}

// Call proxies a request to the worker API through the daemon and returns
// the gateway result as raw JSON.
func (c *Client) Call(ctx context.Context, endpoint, method string, body any) (json.RawMessage, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), c.baseURL+"/proxy"+endpoint, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("daemon: %s", e.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
