package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelindar/event"
)

const defaultSinkTimeout = 3 * time.Second

type namedSink struct {
	name string
	sink Sink
}

// Hub fans events out to in-process subscribers and to durable sinks.
// Subscribers are dispatched asynchronously by kelindar/event; durable sinks are
// called in order with a per-sink timeout. Hub.Send never fails.
type Hub struct {
	dispatcher *event.Dispatcher
	logger     *slog.Logger
	timeout    time.Duration

	mu    sync.RWMutex
	sinks []namedSink
}

// NewHub creates a hub. A nil logger falls back to slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dispatcher: event.NewDispatcher(),
		logger:     logger,
		timeout:    defaultSinkTimeout,
	}
}

// SetSinkTimeout bounds how long a single durable sink may take.
func (h *Hub) SetSinkTimeout(d time.Duration) {
	if d > 0 {
		h.timeout = d
	}
}

// AddSink registers a durable sink under a name used in logs.
func (h *Hub) AddSink(name string, s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, namedSink{name: name, sink: s})
	h.mu.Unlock()
}

// Subscribe registers fn for every event. The returned func unsubscribes.
func (h *Hub) Subscribe(fn func(Event)) func() {
	cancel := event.Subscribe(h.dispatcher, fn)
	return func() { cancel() }
}

// Send implements Sink.
func (h *Hub) Send(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	event.Publish(h.dispatcher, e)

	h.mu.RLock()
	sinks := make([]namedSink, len(h.sinks))
	copy(sinks, h.sinks)
	h.mu.RUnlock()

	for _, ns := range sinks {
		sctx, cancel := context.WithTimeout(ctx, h.timeout)
		if err := ns.sink.Send(sctx, e); err != nil {
			h.logger.Warn("event sink failed", "sink", ns.name, "kind", e.Kind, "error", err)
		}
		cancel()
	}
	return nil
}

// Close stops dispatching and closes every sink that implements io.Closer.
func (h *Hub) Close() error {
	var result *multierror.Error
	if err := h.dispatcher.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	h.mu.Lock()
	sinks := h.sinks
	h.sinks = nil
	h.mu.Unlock()
	for _, ns := range sinks {
		if c, ok := ns.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
