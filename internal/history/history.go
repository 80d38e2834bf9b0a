// Package history persists lifecycle events to external stores for audit and
// post-mortem analysis. Sinks receive only lifecycle-significant events;
// worker output lines and per-probe healthy results stay on the bus.
package history

import (
	"context"
	"time"

	"github.com/warden-sh/warden/internal/event"
)

// Entry is the persisted form of a lifecycle event.
type Entry struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	Message    string    `json:"message,omitempty"`
}

// FromEvent converts a bus event into a persistable entry. pid is the worker
// PID at the time of the event, zero when none.
func FromEvent(e event.Event, pid int) Entry {
	msg := e.Message
	if e.Kind == event.KindProcessExited {
		msg = e.Signal
	}
	return Entry{
		Kind:       string(e.Kind),
		OccurredAt: e.At.UTC(),
		PID:        pid,
		Message:    msg,
	}
}

// Sink is a destination for lifecycle entries. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Entry) error
	Close() error
}
