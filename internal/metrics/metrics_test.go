package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// idempotent: calling again should be no-op
	require.NoError(t, Register(reg))

	// Exercise helpers; they should work only after Register
	IncStart()
	IncStart()
	IncStop()
	IncRestart()
	IncUnexpectedExit()
	ObserveHealthCheck(true, 0.015)
	ObserveHealthCheck(false, 1.2)
	RecordStateTransition("stopped", "starting")
	IncAPIRequest("POST", true)
	IncAPIRequest("GET", false)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	wantNames := map[string]bool{
		"warden_worker_starts_total":                false,
		"warden_worker_stops_total":                 false,
		"warden_worker_restarts_total":              false,
		"warden_worker_unexpected_exits_total":      false,
		"warden_health_checks_total":                false,
		"warden_health_check_duration_seconds":      false,
		"warden_supervisor_state_transitions_total": false,
		"warden_supervisor_current_state":           false,
		"warden_gateway_requests_total":             false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			assert.NotEmpty(t, mf.GetMetric(), "metric %s has no samples", n)
		}
	}
	for n, ok := range wantNames {
		assert.True(t, ok, "expected to find metric %s", n)
	}
}

func TestRegisterTwoRegistries(t *testing.T) {
	// A second registry after a successful registration is a no-op; the
	// helpers keep feeding the first registry.
	r1 := prometheus.NewRegistry()
	require.NoError(t, Register(r1))
	r2 := prometheus.NewRegistry()
	require.NoError(t, Register(r2))
}

func TestHandlerServesExposition(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	// The default gatherer always exposes Go runtime collectors.
	assert.True(t, strings.Contains(string(body), "go_goroutines"),
		"exposition missing go runtime metrics")
}
