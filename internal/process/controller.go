// Package process owns the worker OS process: spawning, stdio capture,
// termination signals, and exit notification. It holds at most one live
// process at a time; all lifecycle decisions live in the supervisor.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/warden-sh/warden/internal/event"
	"github.com/warden-sh/warden/internal/logger"
)

// Spec describes how to launch the worker process.
type Spec struct {
	Command string   // interpreter or binary, e.g. "python3"
	Args    []string // entrypoint and flags, e.g. ["server/main.py", "--port=8799"]
	WorkDir string   // pinned working directory (worker project root)
	Env     []string // extra environment, KEY=VALUE
	Log     logger.Config
}

// Exit describes how a process finished. Code is -1 when the process was
// terminated by a signal; Signal is empty on a plain exit.
type Exit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ErrAlreadyRunning is returned by Spawn while a previous worker is live.
var ErrAlreadyRunning = errors.New("worker process already running")

// lines longer than this are split; matches bufio.Scanner max token size we allow.
const maxLineBytes = 1024 * 1024

// Controller spawns and tracks the worker process. Stdout/stderr are
// captured as line streams and forwarded verbatim on the event bus, and
// optionally teed to rotating log files.
type Controller struct {
	bus *event.Bus
	log *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	startedAt time.Time
	exited    bool
	waitDone  chan struct{}
	outW      io.WriteCloser
	errW      io.WriteCloser
}

func NewController(bus *event.Bus, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{bus: bus, log: log}
}

// Spawn launches the worker with stdio captured as line streams. onExit is
// invoked exactly once per process lifetime, whether or not the exit was
// requested. Returns the PID, or an error when a worker is already live or
// the command cannot be started.
func (c *Controller) Spawn(spec Spec, onExit func(Exit)) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil && !c.exited {
		return 0, ErrAlreadyRunning
	}

	// #nosec G204 -- command comes from the supervisor's own configuration
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("stderr pipe: %w", err)
	}

	var outW, errW io.WriteCloser
	if spec.Log.Enabled() {
		if outW, errW, err = spec.Log.Writers(); err != nil {
			c.log.Warn("worker log capture disabled", "error", err)
			outW, errW = nil, nil
		}
	}

	if err := cmd.Start(); err != nil {
		closeQuiet(outW)
		closeQuiet(errW)
		return 0, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	c.cmd = cmd
	c.startedAt = time.Now()
	c.exited = false
	c.waitDone = make(chan struct{})
	c.outW, c.errW = outW, errW

	var scanners sync.WaitGroup
	scanners.Add(2)
	go c.scan(stdout, event.KindStdout, outW, &scanners)
	go c.scan(stderr, event.KindStderr, errW, &scanners)
	go c.wait(cmd, &scanners, onExit)

	return cmd.Process.Pid, nil
}

// scan forwards each output line as an event and tees it to w when set.
// No buffering beyond line boundaries; no line dropped or duplicated.
func (c *Controller) scan(r io.Reader, kind event.Kind, w io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if kind == event.KindStdout {
			c.bus.Publish(event.Stdout(line))
		} else {
			c.bus.Publish(event.Stderr(line))
		}
		if w != nil {
			_, _ = w.Write(append([]byte(line), '\n'))
		}
	}
}

// wait reaps the process after both scanners have drained their pipes
// (cmd.Wait closes them), records the exit, and fires onExit exactly once.
func (c *Controller) wait(cmd *exec.Cmd, scanners *sync.WaitGroup, onExit func(Exit)) {
	scanners.Wait()
	err := cmd.Wait()
	ex := exitFrom(cmd, err)

	c.mu.Lock()
	c.exited = true
	closeQuiet(c.outW)
	closeQuiet(c.errW)
	c.outW, c.errW = nil, nil
	done := c.waitDone
	c.mu.Unlock()
	close(done)

	if onExit != nil {
		onExit(ex)
	}
}

// Terminate sends the graceful termination signal to the live process group.
// No-op when no process exists.
func (c *Controller) Terminate() {
	c.mu.Lock()
	cmd, exited := c.cmd, c.exited
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil || exited {
		return
	}
	signalTerm(cmd.Process.Pid)
}

// Kill forcefully kills the live process group. No-op when no process exists.
func (c *Controller) Kill() {
	c.mu.Lock()
	cmd, exited := c.cmd, c.exited
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil || exited {
		return
	}
	signalKill(cmd.Process.Pid)
}

// WaitExit blocks until the current process has been reaped or d elapses.
// Returns true when the process exited within the window. True immediately
// when no process exists.
func (c *Controller) WaitExit(d time.Duration) bool {
	c.mu.Lock()
	wd := c.waitDone
	c.mu.Unlock()
	if wd == nil {
		return true
	}
	select {
	case <-wd:
		return true
	case <-time.After(d):
		return false
	}
}

// Alive reports whether a spawned process has not yet been reaped.
func (c *Controller) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil && !c.exited
}

// PID returns the live process id, or 0 when none exists.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil || c.exited {
		return 0
	}
	return c.cmd.Process.Pid
}

// StartedAt returns the spawn time of the current process, zero when none.
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.exited {
		return time.Time{}
	}
	return c.startedAt
}

// Clear forgets the exited process handle. The supervisor calls this once an
// exit is confirmed so a later Spawn starts from a clean slate.
func (c *Controller) Clear() {
	c.mu.Lock()
	if c.exited {
		c.cmd = nil
		c.waitDone = nil
		c.startedAt = time.Time{}
	}
	c.mu.Unlock()
}

func closeQuiet(w io.WriteCloser) {
	if w != nil {
		_ = w.Close()
	}
}
