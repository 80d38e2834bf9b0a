// Package supervisor implements the lifecycle controller for the backend
// worker: a single goroutine owns a command channel, the periodic health
// tick, and every outstanding timer, so Start/Stop/restart activity is
// serialized and Stop has one place to cancel everything.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/event"
	"github.com/warden-sh/warden/internal/health"
	"github.com/warden-sh/warden/internal/metrics"
	"github.com/warden-sh/warden/internal/policy"
	"github.com/warden-sh/warden/internal/process"
)

const (
	// startup polling is a tight wait loop, independent of the periodic tick
	startupPollInterval = 250 * time.Millisecond
	startupProbeTimeout = time.Second

	// delay before an out-of-band health check requested by the gateway
	recheckDelay = 500 * time.Millisecond

	// bounded reap wait after a forced kill
	killReapTimeout = 2 * time.Second
)

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
	actionAutoRestart
	actionExited
	actionCheck
	actionShutdown
)

type command struct {
	action action
	exit   process.Exit
	gen    uint64
	reply  chan bool
}

// Supervisor coordinates the worker process, the health prober and the
// restart policy. One instance supervises one worker.
type Supervisor struct {
	cfg    config.Config
	bus    *event.Bus
	prober *health.Prober
	policy policy.Policy
	proc   *process.Controller
	log    *slog.Logger

	cmdCh   chan command
	done    chan struct{}
	stopReq atomic.Bool

	// snapshot state, guarded by mu; written only from the run goroutine
	mu              sync.RWMutex
	state           State
	restartAttempts int
	lastHealth      *health.Record
	startedAt       time.Time

	// timers owned by the run goroutine
	tick         *time.Ticker
	tickC        <-chan time.Time
	restartTimer *time.Timer

	// spawn generation, owned by the run goroutine. Exit notifications carry
	// the generation of the process they belong to, so a stale exit from a
	// torn-down worker cannot be mistaken for the current one failing.
	gen uint64
}

// New wires a supervisor from its collaborators. The caller owns the bus and
// closes it after Shutdown.
func New(cfg config.Config, bus *event.Bus, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		cfg:    cfg,
		bus:    bus,
		prober: health.NewProber(cfg.HealthPath),
		policy: policy.Policy{MaxAttempts: cfg.MaxRestartAttempts, Delay: cfg.RestartDelay},
		proc:   process.NewController(bus, log),
		log:    log,
		cmdCh:  make(chan command, 32),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Bus returns the event bus events are delivered on.
func (s *Supervisor) Bus() *event.Bus { return s.bus }

// Config returns the immutable configuration the supervisor was built with.
func (s *Supervisor) Config() config.Config { return s.cfg }

// Start launches the worker and blocks until it is confirmed healthy or the
// startup timeout elapses. Idempotent: returns true without side effects
// when already running or starting.
func (s *Supervisor) Start() bool { return s.send(actionStart) }

// Stop gracefully terminates the worker, escalating to a forced kill after
// the shutdown timeout. It always wins over in-flight start or restart
// activity, and returns true once no live process remains.
func (s *Supervisor) Stop() bool {
	s.stopReq.Store(true)
	return s.send(actionStop)
}

// Restart performs a caller-facing stop, delay, start sequence. It does not
// touch the automatic-restart counter.
func (s *Supervisor) Restart() bool { return s.send(actionRestart) }

// CheckNow schedules an out-of-band health check shortly after the call. It
// never blocks; used by the request gateway after connection failures so a
// dead worker is noticed between periodic polls.
func (s *Supervisor) CheckNow() {
	time.AfterFunc(recheckDelay, func() {
		select {
		case s.cmdCh <- command{action: actionCheck}:
		case <-s.done:
		default:
			// queue full means plenty of supervision activity is already
			// pending; the periodic tick will cover it
		}
	})
}

// IsRunning reports whether the supervisor currently considers the worker up.
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateRunning
}

// Status returns a point-in-time snapshot. No network calls; never blocks
// the supervisor loop.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:           s.state.String(),
		IsRunning:       s.state == StateRunning,
		IsStarting:      s.state == StateStarting,
		IsStopping:      s.state == StateStopping,
		RestartAttempts: s.restartAttempts,
		LastHealth:      s.lastHealth,
		PID:             s.proc.PID(),
		StartedAt:       s.startedAt,
		DevMode:         s.cfg.DevMode,
	}
	if !s.startedAt.IsZero() && s.state == StateRunning {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

// Shutdown stops the worker and terminates the supervisor loop. The
// supervisor cannot be reused afterwards.
func (s *Supervisor) Shutdown() {
	s.stopReq.Store(true)
	s.send(actionShutdown)
}

func (s *Supervisor) send(a action) bool {
	reply := make(chan bool, 1)
	select {
	case s.cmdCh <- command{action: a, reply: reply}:
	case <-s.done:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-s.done:
		return false
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.cmdCh:
			switch cmd.action {
			case actionStart:
				cmd.reply <- s.handleStart()
			case actionStop:
				cmd.reply <- s.handleStop()
			case actionRestart:
				cmd.reply <- s.handleRestart()
			case actionAutoRestart:
				s.handleAutoRestart()
			case actionExited:
				s.handleExited(cmd.gen, cmd.exit)
			case actionCheck:
				s.checkHealth()
			case actionShutdown:
				cmd.reply <- s.handleStop()
				return
			}
		case <-s.tickC:
			s.checkHealth()
		}
	}
}

// --- start path ---

func (s *Supervisor) handleStart() bool {
	switch s.getState() {
	case StateRunning, StateStarting:
		s.emit(event.Warning("start requested but worker is already running"))
		return true
	case StateRestarting:
		// caller-initiated start supersedes a pending automatic restart; the
		// unhealthy worker from the failed run may still be alive
		s.cancelRestartTimer()
		s.teardownProcess()
	}
	return s.doStart(true)
}

// doStart runs the full start sequence. resetOnHealthy distinguishes
// caller-initiated starts, which clear the automatic-restart counter once
// readiness is confirmed, from policy-triggered re-entries, which carry it.
func (s *Supervisor) doStart(resetOnHealthy bool) bool {
	if s.cfg.DevMode {
		s.emit(event.Info("dev mode: worker assumed externally managed"))
		s.mu.Lock()
		s.startedAt = time.Now()
		s.mu.Unlock()
		s.setState(StateRunning)
		s.emit(event.Started())
		return true
	}

	s.setState(StateStarting)
	s.emit(event.Starting())

	spec := process.Spec{
		Command: s.cfg.Worker.Command,
		Args:    s.cfg.WorkerArgs(),
		WorkDir: s.cfg.Worker.WorkDir,
		Env:     s.cfg.Worker.Env,
		Log:     s.cfg.Log.Worker,
	}
	s.gen++
	gen := s.gen
	pid, err := s.proc.Spawn(spec, func(ex process.Exit) { s.onProcessExit(gen, ex) })
	if err != nil {
		s.emit(event.Error(fmt.Sprintf("failed to spawn worker: %v", err)))
		s.setState(StateStopped)
		return false
	}
	s.log.Info("worker spawned", "pid", pid, "command", spec.Command)

	deadline := time.Now().Add(s.cfg.StartupTimeout)
	for {
		if s.stopReq.Load() {
			s.emit(event.Warning("startup aborted by stop request"))
			s.teardownProcess()
			s.setState(StateStopped)
			return false
		}
		if !s.proc.Alive() {
			s.emit(event.Error("worker exited during startup"))
			s.teardownProcess()
			s.setState(StateStopped)
			return false
		}
		rec := s.probe(startupProbeTimeout)
		if rec.Healthy {
			break
		}
		if time.Now().After(deadline) {
			s.emit(event.Error(fmt.Sprintf(
				"worker did not become healthy within %s: %s", s.cfg.StartupTimeout, rec.Reason())))
			s.teardownProcess()
			s.setState(StateStopped)
			return false
		}
		time.Sleep(startupPollInterval)
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	if resetOnHealthy {
		s.restartAttempts = 0
	}
	s.mu.Unlock()
	s.setState(StateRunning)
	s.startTick()
	s.emit(event.Started())
	metrics.IncStart()
	return true
}

// --- stop path ---

func (s *Supervisor) handleStop() bool {
	defer s.stopReq.Store(false)

	if s.getState() == StateStopped && !s.proc.Alive() {
		return true
	}
	s.setState(StateStopping)
	s.emit(event.Stopping())

	// cancel every outstanding timer before signaling, so no stale callback
	// can resurrect state after shutdown
	s.stopTick()
	s.cancelRestartTimer()

	s.teardownProcess()

	s.mu.Lock()
	s.startedAt = time.Time{}
	s.mu.Unlock()
	s.setState(StateStopped)
	s.emit(event.Stopped())
	metrics.IncStop()
	return true
}

// teardownProcess brings the worker down: graceful signal, bounded wait,
// forced kill. Returns with no live process.
func (s *Supervisor) teardownProcess() {
	if !s.proc.Alive() {
		s.proc.Clear()
		return
	}
	s.proc.Terminate()
	if !s.proc.WaitExit(s.cfg.ShutdownTimeout) {
		s.emit(event.Warning(fmt.Sprintf(
			"worker did not exit within %s, killing", s.cfg.ShutdownTimeout)))
		s.proc.Kill()
		s.proc.WaitExit(killReapTimeout)
	}
	s.proc.Clear()
}

// --- restart paths ---

func (s *Supervisor) handleRestart() bool {
	s.emit(event.Restarting())
	if !s.handleStop() {
		return false
	}
	if !s.sleepInterruptible(s.cfg.RestartDelay) {
		return false
	}
	return s.doStart(true)
}

// handleAutoRestart is the delayed continuation of a policy-approved
// restart. A stop that arrived while the delay timer was pending has already
// cancelled the timer; this also re-checks in case of a race.
func (s *Supervisor) handleAutoRestart() {
	if s.stopReq.Load() || s.getState() != StateRestarting {
		return
	}
	s.restartTimer = nil
	s.emit(event.Restarting())
	s.teardownProcess()
	if ok := s.doStart(false); !ok && !s.stopReq.Load() {
		s.workerFailure("restart attempt failed")
	}
}

// workerFailure is the single funnel for unhealthy polls, unexpected process
// exits, and failed automatic restarts. It consults the policy: either
// schedule another bounded restart or give up terminally.
func (s *Supervisor) workerFailure(reason string) {
	s.mu.RLock()
	attempts := s.restartAttempts
	s.mu.RUnlock()

	if !s.policy.ShouldRestart(attempts) {
		s.emit(event.Error(fmt.Sprintf(
			"worker failed after %d restart attempts, giving up: %s", attempts, reason)))
		s.stopTick()
		s.teardownProcess()
		s.mu.Lock()
		s.startedAt = time.Time{}
		s.mu.Unlock()
		s.setState(StateStopped)
		return
	}

	s.mu.Lock()
	s.restartAttempts++
	attempt := s.restartAttempts
	s.mu.Unlock()

	s.emit(event.Info(fmt.Sprintf(
		"scheduling restart attempt %d/%d", attempt, s.policy.MaxAttempts)))
	metrics.IncRestart()
	s.stopTick()
	s.setState(StateRestarting)
	s.restartTimer = time.AfterFunc(s.policy.NextDelay(attempt), func() {
		select {
		case s.cmdCh <- command{action: actionAutoRestart}:
		case <-s.done:
		}
	})
}

// --- health ---

func (s *Supervisor) checkHealth() {
	if s.getState() != StateRunning || s.cfg.DevMode {
		return
	}
	rec := s.probe(s.cfg.HealthCheckInterval)
	if rec.Healthy {
		s.emit(event.Healthy())
		s.mu.Lock()
		s.restartAttempts = 0
		s.mu.Unlock()
		return
	}
	s.emit(event.Unhealthy(rec.Reason()))
	s.emit(event.Warning("worker health check failed: " + rec.Reason()))
	s.workerFailure(rec.Reason())
}

func (s *Supervisor) probe(timeout time.Duration) health.Record {
	started := time.Now()
	rec := s.prober.Check(context.Background(), s.cfg.Host, s.cfg.Port, timeout)
	metrics.ObserveHealthCheck(rec.Healthy, time.Since(started).Seconds())
	s.mu.Lock()
	s.lastHealth = &rec
	s.mu.Unlock()
	return rec
}

// --- process exit ---

// onProcessExit runs on the process controller's reaper goroutine; it only
// enqueues, the run goroutine decides.
func (s *Supervisor) onProcessExit(gen uint64, ex process.Exit) {
	select {
	case s.cmdCh <- command{action: actionExited, exit: ex, gen: gen}:
	case <-s.done:
	}
}

func (s *Supervisor) handleExited(gen uint64, ex process.Exit) {
	// stale notification from an already torn-down process, or an exit the
	// stop path handled inline
	if gen != s.gen || s.getState() != StateRunning {
		return
	}
	s.emit(event.ProcessExited(ex.Code, ex.Signal))
	metrics.IncUnexpectedExit()
	s.stopTick()
	s.proc.Clear()
	s.mu.Lock()
	s.startedAt = time.Time{}
	s.mu.Unlock()
	s.setState(StateStopped)
	s.workerFailure(fmt.Sprintf("worker exited unexpectedly (code %d)", ex.Code))
}

// --- helpers ---

func (s *Supervisor) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		metrics.RecordStateTransition(prev.String(), next.String())
	}
}

func (s *Supervisor) startTick() {
	s.stopTick()
	s.tick = time.NewTicker(s.cfg.HealthCheckInterval)
	s.tickC = s.tick.C
}

func (s *Supervisor) stopTick() {
	if s.tick != nil {
		s.tick.Stop()
		s.tick = nil
		s.tickC = nil
	}
}

func (s *Supervisor) cancelRestartTimer() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if s.getState() == StateRestarting {
		s.setState(StateStopped)
	}
}

// sleepInterruptible waits d, returning false early when a stop request
// arrives.
func (s *Supervisor) sleepInterruptible(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if s.stopReq.Load() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining > 50*time.Millisecond {
			remaining = 50 * time.Millisecond
		}
		time.Sleep(remaining)
	}
	return !s.stopReq.Load()
}

// emit publishes an event and mirrors it into the supervisor's log.
func (s *Supervisor) emit(e event.Event) {
	s.bus.Publish(e)
	switch e.Kind {
	case event.KindError:
		s.log.Error(string(e.Kind), "message", e.Message)
	case event.KindWarning, event.KindUnhealthy:
		s.log.Warn(string(e.Kind), "message", e.Message)
	default:
		s.log.Info(string(e.Kind), "message", e.Message)
	}
}
