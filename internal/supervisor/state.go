package supervisor

import (
	"time"

	"github.com/warden-sh/warden/internal/health"
)

// State is the supervisor's lifecycle state.
//
// Stopped -> Starting -> Running -> Stopping -> Stopped, with
// Running -> Restarting -> Starting on a policy-triggered restart.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Status is a read-only snapshot of the supervisor, computed on demand.
type Status struct {
	State           string         `json:"state"`
	IsRunning       bool           `json:"is_running"`
	IsStarting      bool           `json:"is_starting"`
	IsStopping      bool           `json:"is_stopping"`
	RestartAttempts int            `json:"restart_attempts"`
	LastHealth      *health.Record `json:"last_health,omitempty"`
	PID             int            `json:"pid,omitempty"`
	StartedAt       time.Time      `json:"started_at,omitempty"`
	Uptime          time.Duration  `json:"uptime,omitempty"`
	DevMode         bool           `json:"dev_mode,omitempty"`
}
