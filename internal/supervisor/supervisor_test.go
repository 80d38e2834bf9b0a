//go:build !windows

package supervisor

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/event"
)

// The test binary doubles as the supervised worker: when re-executed with
// WARDEN_TEST_WORKER=1 it serves an HTTP health endpoint instead of running
// tests. Modes are selected by extra args on the spawn contract.
func TestMain(m *testing.M) {
	if os.Getenv("WARDEN_TEST_WORKER") == "1" {
		runTestWorker()
		return
	}
	os.Exit(m.Run())
}

func runTestWorker() {
	port := 0
	healthyCount := int64(-1) // unlimited
	alwaysUnhealthy := false
	var exitAfter time.Duration
	ignoreTerm := false
	unhealthyFile := ""
	crash := false

	for _, arg := range os.Args[1:] {
		switch {
		case strings.HasPrefix(arg, "--port="):
			port, _ = strconv.Atoi(strings.TrimPrefix(arg, "--port="))
		case strings.HasPrefix(arg, "--healthy-count="):
			n, _ := strconv.Atoi(strings.TrimPrefix(arg, "--healthy-count="))
			healthyCount = int64(n)
		case arg == "--always-unhealthy":
			alwaysUnhealthy = true
		case strings.HasPrefix(arg, "--exit-after="):
			exitAfter, _ = time.ParseDuration(strings.TrimPrefix(arg, "--exit-after="))
		case arg == "--ignore-term":
			ignoreTerm = true
		case strings.HasPrefix(arg, "--unhealthy-if-file="):
			unhealthyFile = strings.TrimPrefix(arg, "--unhealthy-if-file=")
		case arg == "--crash":
			crash = true
		}
	}
	if crash {
		os.Exit(1)
	}
	if ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}
	if exitAfter > 0 {
		time.AfterFunc(exitAfter, func() { os.Exit(1) })
	}

	var served int64
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if alwaysUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if unhealthyFile != "" {
			if _, err := os.Stat(unhealthyFile); err == nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		if healthyCount >= 0 && atomic.AddInt64(&served, 1) > healthyCount {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	_ = http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), mux)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func testConfig(t *testing.T, extraArgs ...string) config.Config {
	t.Helper()
	c := config.Default()
	c.Port = freePort(t)
	c.MaxRestartAttempts = 3
	c.RestartDelay = 100 * time.Millisecond
	c.HealthCheckInterval = 300 * time.Millisecond
	c.StartupTimeout = 5 * time.Second
	c.ShutdownTimeout = 2 * time.Second
	c.Worker.Command = os.Args[0]
	c.Worker.Entrypoint = "test-worker"
	c.Worker.Env = append(os.Environ(), "WARDEN_TEST_WORKER=1")
	c.Worker.ExtraArgs = extraArgs
	return c
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) count(k event.Kind) int {
	n := 0
	for _, kind := range r.kinds() {
		if kind == k {
			n++
		}
	}
	return n
}

func (r *recorder) find(k event.Kind) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == k {
			return e, true
		}
	}
	return event.Event{}, false
}

// waitFor polls for an event of the given kind; bus delivery is asynchronous
// relative to the call that caused the event.
func (r *recorder) waitFor(t *testing.T, k event.Kind) event.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := r.find(k); ok {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s event within 2s, got %v", k, r.kinds())
	return event.Event{}
}

func newTestSupervisor(t *testing.T, cfg config.Config) (*Supervisor, *recorder) {
	t.Helper()
	bus := event.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.record)
	s := New(cfg, bus, nil)
	t.Cleanup(func() {
		s.Shutdown()
		bus.Close()
	})
	return s, rec
}

func waitForState(t *testing.T, s *Supervisor, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Status().State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s within %s", s.Status().State, want, timeout)
}

func TestDevModeStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.DevMode = true
	s, rec := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("start returned false")
	}
	if !s.IsRunning() {
		t.Fatal("not running after dev-mode start")
	}
	st := s.Status()
	if !st.DevMode || st.PID != 0 {
		t.Errorf("status = %+v, want dev mode and no pid", st)
	}

	if !s.Stop() {
		t.Fatal("stop returned false")
	}
	if s.IsRunning() {
		t.Fatal("running after stop")
	}
	rec.waitFor(t, event.KindStarted)
}

func TestStartHealthyWorker(t *testing.T) {
	cfg := testConfig(t)
	s, rec := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("start returned false")
	}
	st := s.Status()
	if !st.IsRunning || st.PID == 0 {
		t.Fatalf("status after start = %+v", st)
	}
	if st.LastHealth == nil || !st.LastHealth.Healthy {
		t.Errorf("last health = %+v, want healthy", st.LastHealth)
	}

	if !s.Stop() {
		t.Fatal("stop returned false")
	}
	if got := s.Status(); got.PID != 0 || got.State != "stopped" {
		t.Fatalf("status after stop = %+v", got)
	}

	rec.waitFor(t, event.KindStopped)
	want := []event.Kind{event.KindStarting, event.KindStarted, event.KindStopping, event.KindStopped}
	got := rec.kinds()
	idx := 0
	for _, k := range got {
		if idx < len(want) && k == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Errorf("lifecycle sequence %v missing from %v", want[idx:], got)
	}
}

func TestStartIdempotent(t *testing.T) {
	cfg := testConfig(t)
	s, rec := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("first start failed")
	}
	pid := s.Status().PID

	if !s.Start() {
		t.Fatal("second start returned false")
	}
	if got := s.Status().PID; got != pid {
		t.Errorf("pid changed on redundant start: %d -> %d", pid, got)
	}
	rec.waitFor(t, event.KindWarning)
}

func TestStartupTimeoutTearsDownProcess(t *testing.T) {
	cfg := testConfig(t, "--always-unhealthy")
	cfg.StartupTimeout = 700 * time.Millisecond
	s, rec := newTestSupervisor(t, cfg)

	if s.Start() {
		t.Fatal("start of never-healthy worker reported success")
	}
	st := s.Status()
	if st.State != "stopped" || st.PID != 0 {
		t.Fatalf("status after failed start = %+v, want stopped with no pid", st)
	}
	e := rec.waitFor(t, event.KindError)
	if !strings.Contains(e.Message, "did not become healthy") {
		t.Errorf("unexpected error event: %q", e.Message)
	}
}

func TestStopWinsOverInFlightStart(t *testing.T) {
	cfg := testConfig(t, "--always-unhealthy")
	cfg.StartupTimeout = 30 * time.Second
	s, _ := newTestSupervisor(t, cfg)

	startDone := make(chan bool, 1)
	go func() { startDone <- s.Start() }()

	// Let the start sequence spawn and begin polling.
	time.Sleep(400 * time.Millisecond)
	stopped := time.Now()
	if !s.Stop() {
		t.Fatal("stop returned false")
	}
	if elapsed := time.Since(stopped); elapsed > 5*time.Second {
		t.Fatalf("stop took %v, should not wait out the startup timeout", elapsed)
	}

	select {
	case ok := <-startDone:
		if ok {
			t.Error("aborted start reported success")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after stop")
	}
	if st := s.Status(); st.State != "stopped" || st.PID != 0 {
		t.Fatalf("status = %+v, want stopped with no pid", st)
	}
}

func TestUnhealthyPollsExhaustPolicy(t *testing.T) {
	// Each spawned worker answers exactly one healthy probe (consumed during
	// startup), so every periodic poll fails and each automatic restart
	// increments the attempt counter until the policy gives up.
	cfg := testConfig(t, "--healthy-count=1")
	cfg.MaxRestartAttempts = 2
	s, rec := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("start failed")
	}
	waitForState(t, s, "stopped", 30*time.Second)

	e := rec.waitFor(t, event.KindError)
	if !strings.Contains(e.Message, "giving up") {
		t.Errorf("unexpected terminal error: %q", e.Message)
	}
	if got := rec.count(event.KindRestarting); got != 2 {
		t.Errorf("restarting events = %d, want 2", got)
	}
	if st := s.Status(); st.PID != 0 {
		t.Errorf("process still alive after terminal failure: pid %d", st.PID)
	}
}

func TestStartDuringPendingAutoRestartReplacesWorker(t *testing.T) {
	// The worker answers one healthy probe (consumed at startup), so the first
	// periodic poll fails and schedules an automatic restart. The long delay
	// keeps the supervisor in the restarting window with the stale, unhealthy
	// worker still alive.
	cfg := testConfig(t, "--healthy-count=1")
	cfg.RestartDelay = 10 * time.Second
	s, _ := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("start failed")
	}
	firstPID := s.Status().PID
	waitForState(t, s, "restarting", 10*time.Second)

	// A caller start during the pending restart must replace the stale worker,
	// not trip over it.
	if !s.Start() {
		t.Fatal("start during pending automatic restart returned false")
	}
	st := s.Status()
	if !st.IsRunning || st.PID == 0 || st.PID == firstPID {
		t.Fatalf("superseding start did not replace worker: %+v (first pid %d)", st, firstPID)
	}
	if st.RestartAttempts != 0 {
		t.Errorf("restart attempts = %d after confirmed-healthy start, want 0", st.RestartAttempts)
	}

	// the superseded process must be gone, not orphaned
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && syscall.Kill(firstPID, 0) == nil {
		time.Sleep(50 * time.Millisecond)
	}
	if err := syscall.Kill(firstPID, 0); err == nil {
		t.Errorf("old worker pid %d still alive after superseding start", firstPID)
	}
	s.Stop()
}

func TestHealthyPollResetsRestartAttempts(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "unhealthy")
	cfg := testConfig(t, "--unhealthy-if-file="+marker)
	cfg.MaxRestartAttempts = 5
	cfg.HealthCheckInterval = 200 * time.Millisecond
	cfg.StartupTimeout = 2 * time.Second
	s, _ := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("start failed")
	}

	// Break the worker: periodic polls fail and restart attempts accumulate
	// across failed re-spawns.
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	observed := 0
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if observed = s.Status().RestartAttempts; observed >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if observed < 2 {
		t.Fatalf("restart attempts = %d, want at least 2 while worker is broken", observed)
	}

	// Recover: the next successful periodic poll must clear the counter.
	if err := os.Remove(marker); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.IsRunning && st.RestartAttempts == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if st := s.Status(); !st.IsRunning || st.RestartAttempts != 0 {
		t.Fatalf("status after recovery = %+v, want running with attempts reset to 0", st)
	}
	s.Stop()
}

func TestInstantCrashFailsStartupFast(t *testing.T) {
	cfg := testConfig(t, "--crash")
	cfg.StartupTimeout = 10 * time.Second
	s, rec := newTestSupervisor(t, cfg)

	started := time.Now()
	if s.Start() {
		t.Fatal("start of instantly-exiting worker reported success")
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("start took %v, should fail as soon as the process is gone", elapsed)
	}
	if st := s.Status(); st.State != "stopped" || st.PID != 0 {
		t.Fatalf("status after failed start = %+v, want stopped with no pid", st)
	}
	e := rec.waitFor(t, event.KindError)
	if !strings.Contains(e.Message, "exited during startup") {
		t.Errorf("unexpected error event: %q", e.Message)
	}
}

func TestUnexpectedExitTriggersRestart(t *testing.T) {
	cfg := testConfig(t, "--exit-after=400ms")
	cfg.HealthCheckInterval = 10 * time.Second // no healthy tick before the exit
	s, rec := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("start failed")
	}
	firstPID := s.Status().PID

	// Wait for the exit to be noticed and the replacement to come up.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.IsRunning && st.PID != 0 && st.PID != firstPID {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	st := s.Status()
	if !st.IsRunning || st.PID == firstPID {
		t.Fatalf("worker was not auto-restarted: %+v (first pid %d)", st, firstPID)
	}

	rec.waitFor(t, event.KindProcessExited)
	if rec.count(event.KindStarted) < 2 {
		t.Errorf("started events = %d, want at least 2", rec.count(event.KindStarted))
	}
	s.Stop()
}

func TestRestartReplacesProcess(t *testing.T) {
	cfg := testConfig(t)
	s, _ := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("start failed")
	}
	firstPID := s.Status().PID

	if !s.Restart() {
		t.Fatal("restart returned false")
	}
	st := s.Status()
	if !st.IsRunning || st.PID == 0 || st.PID == firstPID {
		t.Fatalf("restart did not replace process: %+v (first pid %d)", st, firstPID)
	}
	s.Stop()
}

func TestKillEscalationForTermIgnoringWorker(t *testing.T) {
	cfg := testConfig(t, "--ignore-term")
	cfg.ShutdownTimeout = 300 * time.Millisecond
	s, rec := newTestSupervisor(t, cfg)

	if !s.Start() {
		t.Fatal("start failed")
	}
	if !s.Stop() {
		t.Fatal("stop returned false")
	}
	if st := s.Status(); st.PID != 0 || st.State != "stopped" {
		t.Fatalf("status = %+v, want stopped with no pid", st)
	}
	e := rec.waitFor(t, event.KindWarning)
	if !strings.Contains(e.Message, "killing") {
		t.Errorf("unexpected warning: %q", e.Message)
	}
}

func TestShutdownStopsLoop(t *testing.T) {
	cfg := config.Default()
	cfg.DevMode = true
	bus := event.NewBus()
	defer bus.Close()
	s := New(cfg, bus, nil)

	s.Shutdown()
	if s.Start() {
		t.Fatal("start succeeded after shutdown")
	}
	if s.Stop() {
		t.Fatal("stop succeeded after shutdown")
	}
}

func TestStopWhenAlreadyStopped(t *testing.T) {
	cfg := config.Default()
	cfg.DevMode = true
	s, rec := newTestSupervisor(t, cfg)

	if !s.Stop() {
		t.Fatal("stop of stopped supervisor returned false")
	}
	if got := rec.count(event.KindStopping); got != 0 {
		t.Errorf("redundant stop emitted %d stopping events", got)
	}
}
