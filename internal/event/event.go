package event

import "time"

// Kind identifies the variant of a lifecycle event.
type Kind string

const (
	KindStarting      Kind = "starting"
	KindStarted       Kind = "started"
	KindStopping      Kind = "stopping"
	KindStopped       Kind = "stopped"
	KindRestarting    Kind = "restarting"
	KindHealthy       Kind = "healthy"
	KindUnhealthy     Kind = "unhealthy"
	KindError         Kind = "error"
	KindWarning       Kind = "warning"
	KindInfo          Kind = "info"
	KindStdout        Kind = "stdout"
	KindStderr        Kind = "stderr"
	KindProcessExited Kind = "process_exited"
	KindAPIError      Kind = "api_error"
)

// Event is a closed tagged union describing a supervisor state transition,
// a health result, a captured worker output line, or a failure. Only the
// fields relevant to the Kind are populated.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	// Message carries human-readable detail for error/warning/info events
	// and the reason for unhealthy events.
	Message string `json:"message,omitempty"`

	// Line is a single stdout/stderr line, verbatim, without the newline.
	Line string `json:"line,omitempty"`

	// ExitCode and Signal describe a process exit. ExitCode is -1 when the
	// process was terminated by a signal.
	ExitCode int    `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`

	// Endpoint and Method identify the failed call for api_error events.
	Endpoint string `json:"endpoint,omitempty"`
	Method   string `json:"method,omitempty"`
}

func now() time.Time { return time.Now() }

func Starting() Event   { return Event{Kind: KindStarting, At: now()} }
func Started() Event    { return Event{Kind: KindStarted, At: now()} }
func Stopping() Event   { return Event{Kind: KindStopping, At: now()} }
func Stopped() Event    { return Event{Kind: KindStopped, At: now()} }
func Restarting() Event { return Event{Kind: KindRestarting, At: now()} }
func Healthy() Event    { return Event{Kind: KindHealthy, At: now()} }

func Unhealthy(reason string) Event {
	return Event{Kind: KindUnhealthy, At: now(), Message: reason}
}

func Error(msg string) Event   { return Event{Kind: KindError, At: now(), Message: msg} }
func Warning(msg string) Event { return Event{Kind: KindWarning, At: now(), Message: msg} }
func Info(msg string) Event    { return Event{Kind: KindInfo, At: now(), Message: msg} }

func Stdout(line string) Event { return Event{Kind: KindStdout, At: now(), Line: line} }
func Stderr(line string) Event { return Event{Kind: KindStderr, At: now(), Line: line} }

func ProcessExited(code int, signal string) Event {
	return Event{Kind: KindProcessExited, At: now(), ExitCode: code, Signal: signal}
}

func APIError(endpoint, method, msg string) Event {
	return Event{Kind: KindAPIError, At: now(), Endpoint: endpoint, Method: method, Message: msg}
}

// Lifecycle reports whether the event describes a state transition or
// failure worth persisting to history sinks, as opposed to high-volume
// output lines and per-probe results.
func (e Event) Lifecycle() bool {
	switch e.Kind {
	case KindStdout, KindStderr, KindHealthy:
		return false
	default:
		return true
	}
}
