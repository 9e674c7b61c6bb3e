// Package history persists engine notifications to analytics stores.
package history

import (
	"io"
	"time"

	"github.com/loykin/proxyvisor/internal/events"
)

// DefaultTable is the table (or index) that sinks write to.
const DefaultTable = "engine_events"

// Sink is a durable events.Sink. Implementations must be safe for concurrent use.
type Sink interface {
	events.Sink
	io.Closer
}

// Row is the flattened, storage-friendly form of an events.Event.
type Row struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	Path      string    `json:"path,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// RowFrom flattens e. Unknown payloads keep only kind and timestamp.
func RowFrom(e events.Event) Row {
	r := Row{Timestamp: e.Timestamp.UTC(), Kind: string(e.Kind)}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	switch p := e.Payload.(type) {
	case events.StatusPayload:
		r.Running, r.PID = p.Running, p.PID
	case events.ConfigPayload:
		r.Path, r.Source = p.Path, p.Source
	}
	return r
}
