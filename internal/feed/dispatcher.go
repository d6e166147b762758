package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// EventHandler consumes one decoded event for a table. Handlers must be
// idempotent: the feed is at-least-once and the seen-store is best-effort.
type EventHandler func(ctx context.Context, ev *Event)

// Dispatcher sits between the raw websocket client and the table
// consumers: it decodes frames (JSON text, CBOR binary), rejects malformed
// payloads at the boundary, suppresses duplicate deliveries, and fans
// events out to the handler registered for each table.
type Dispatcher struct {
	seen    SeenStore
	metrics *Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewDispatcher creates a Dispatcher. A nil seen store disables dedup;
// nil metrics disables counting.
func NewDispatcher(seen SeenStore, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		seen:     seen,
		metrics:  metrics,
		logger:   logger,
		handlers: make(map[string][]EventHandler),
	}
}

// On registers a handler for a table. Multiple handlers per table are
// invoked in registration order.
func (d *Dispatcher) On(table string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[table] = append(d.handlers[table], h)
}

// Handle is the MessageHandler wired into the feed client. It never
// returns an error for bad payloads: a malformed frame is logged, counted,
// and dropped rather than tearing down the connection.
func (d *Dispatcher) Handle(ctx context.Context) MessageHandler {
	return func(messageType int, payload []byte) error {
		if d.metrics != nil {
			d.metrics.framesProcessed.Inc()
		}

		var (
			ev  *Event
			err error
		)
		switch messageType {
		case websocket.BinaryMessage:
			ev, err = DecodeCBOR(payload)
		default:
			ev, err = DecodeJSON(payload)
		}
		if err != nil {
			if d.metrics != nil {
				d.metrics.framesMalformed.Inc()
			}
			d.logger.Warn("dropping malformed feed frame",
				slog.String("error", err.Error()))
			return nil
		}

		if d.seen != nil {
			dup, err := d.seen.MarkSeen(ctx, ev.DedupKey())
			if err != nil {
				// Dedup is best-effort; on store failure the event
				// flows through and idempotent upserts absorb it.
				d.logger.Warn("seen store unavailable",
					slog.String("error", err.Error()))
			} else if dup {
				if d.metrics != nil {
					d.metrics.duplicates.Inc()
				}
				return nil
			}
		}

		d.mu.RLock()
		handlers := d.handlers[ev.Table]
		d.mu.RUnlock()

		for _, h := range handlers {
			h(ctx, ev)
		}
		if d.metrics != nil && len(handlers) > 0 {
			d.metrics.dispatched.WithLabelValues(ev.Table, ev.Type).Inc()
		}
		return nil
	}
}
