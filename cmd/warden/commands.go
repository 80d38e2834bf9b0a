package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warden-sh/warden/pkg/client"
)

// command bundles the client-backed CLI operations. Every command talks to
// a running daemon over its control API; none of them spawn the worker
// in-process (that is what serve does).
type command struct{}

func (c command) newClient(apiURL string, timeout time.Duration) *client.Client {
	cfg := client.DefaultConfig()
	if apiURL != "" {
		cfg.BaseURL = apiURL
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return client.New(cfg)
}

func (c command) ctx(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Status prints the worker status as JSON.
func (c command) Status(f StatusFlags) error {
	cl := c.newClient(f.APIUrl, f.APITimeout)
	ctx, cancel := c.ctx(f.APITimeout)
	defer cancel()

	raw, err := cl.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	printRawJSON(raw)
	return nil
}

// Start asks the daemon to start the worker.
func (c command) Start(f StartFlags) error {
	cl := c.newClient(f.APIUrl, f.APITimeout)
	ctx, cancel := c.ctx(f.APITimeout)
	defer cancel()

	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	fmt.Println("start requested")
	return nil
}

// Stop asks the daemon to stop the worker.
func (c command) Stop(f StopFlags) error {
	cl := c.newClient(f.APIUrl, f.APITimeout)
	ctx, cancel := c.ctx(f.APITimeout)
	defer cancel()

	if err := cl.Stop(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	fmt.Println("stop requested")
	return nil
}

// Restart asks the daemon to restart the worker.
func (c command) Restart(f RestartFlags) error {
	cl := c.newClient(f.APIUrl, f.APITimeout)
	ctx, cancel := c.ctx(f.APITimeout)
	defer cancel()

	if err := cl.Restart(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	fmt.Println("restart requested")
	return nil
}

// Call proxies a request to the worker's API through the daemon and prints
// the worker's response.
func (c command) Call(f CallFlags, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	cl := c.newClient(f.APIUrl, f.APITimeout)
	ctx, cancel := c.ctx(f.APITimeout)
	defer cancel()

	var body any
	if f.Data != "" {
		raw := json.RawMessage(f.Data)
		if !json.Valid(raw) {
			return fmt.Errorf("--data must be valid JSON")
		}
		body = raw
	}
	raw, err := cl.Call(ctx, endpoint, f.Method, body)
	if err != nil {
		return fmt.Errorf("call %s: %w", endpoint, err)
	}
	printRawJSON(raw)
	return nil
}

func printRawJSON(raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
