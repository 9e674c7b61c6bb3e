// Package events carries engine status and configuration notifications from the
// core to whoever displays or records them. Delivery is best effort: a failing
// sink is logged and never reported back to the emitter.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Kind names the notification.
type Kind string

const (
	KindStatusChanged Kind = "statusChanged"
	KindConfigChanged Kind = "configChanged"
)

// typeEngine is the kelindar/event type id shared by every Event.
const typeEngine uint32 = 1

// Event is a single notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Type implements event.Event from kelindar/event.
func (Event) Type() uint32 { return typeEngine }

// StatusPayload accompanies KindStatusChanged.
type StatusPayload struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// ConfigPayload accompanies KindConfigChanged.
type ConfigPayload struct {
	Path   string `json:"path"`
	Source string `json:"source"` // "store", "restore" or "external"
}

// Sink is a destination for events. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }

// StatusChanged builds a status event stamped with at.
func StatusChanged(running bool, pid int, at time.Time) Event {
	return Event{Kind: KindStatusChanged, Payload: StatusPayload{Running: running, PID: pid}, Timestamp: at}
}

// ConfigChanged builds a config event stamped with at.
func ConfigChanged(path, source string, at time.Time) Event {
	return Event{Kind: KindConfigChanged, Payload: ConfigPayload{Path: path, Source: source}, Timestamp: at}
}

// Emit sends e to sink and logs any failure. A nil sink is a no-op.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	if err := sink.Send(ctx, e); err != nil && logger != nil {
		logger.Warn("event delivery failed", "kind", e.Kind, "error", err)
	}
}
