// Package events broadcasts tool invocation lifecycle events to WebSocket
// subscribers. The hub is strictly best-effort: publishing never blocks the
// dispatcher, and subscribers that cannot keep up have events dropped rather
// than applying backpressure to tool execution.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is a single invocation lifecycle notification.
type Event struct {
	// Type is "invoke.start" or "invoke.finish".
	Type string `json:"type"`

	// Tool is the registered tool name.
	Tool string `json:"tool"`

	// Status is set on finish events: "ok", "error" or "timeout".
	Status string `json:"status,omitempty"`

	// DurationMS is the execution time in milliseconds, set on finish events.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Time is the event timestamp in RFC 3339 format.
	Time string `json:"time"`
}

// subscriberBuffer is the per-subscriber channel capacity. Events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 64

// writeTimeout bounds a single WebSocket write so one dead peer cannot wedge
// its writer goroutine indefinitely.
const writeTimeout = 5 * time.Second

// Hub fans invocation events out to connected WebSocket clients. The zero
// value is not usable; use [NewHub].
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty hub ready to accept subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every current subscriber without blocking. A
// subscriber whose buffer is full misses the event.
func (h *Hub) Publish(ev Event) {
	if ev.Time == "" {
		ev.Time = time.Now().UTC().Format(time.RFC3339)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// StartObserver returns a callback suitable for the dispatcher's start hook.
// It emits an "invoke.start" event when a tool begins executing.
func (h *Hub) StartObserver() func(ctx context.Context, tool string) {
	return func(_ context.Context, tool string) {
		h.Publish(Event{Type: "invoke.start", Tool: tool})
	}
}

// InvocationObserver returns a callback suitable for the dispatcher's
// invocation hook. It emits an "invoke.finish" event per completed execution.
func (h *Hub) InvocationObserver() func(ctx context.Context, tool, status string, elapsed time.Duration) {
	return func(_ context.Context, tool, status string, elapsed time.Duration) {
		h.Publish(Event{
			Type:       "invoke.finish",
			Tool:       tool,
			Status:     status,
			DurationMS: elapsed.Milliseconds(),
		})
	}
}

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a WebSocket connection and streams events
// as JSON text frames until the client disconnects or the request context is
// cancelled. Incoming frames from the client are drained and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients connect from the control panel, which may be served
		// from a different origin during development.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("events: websocket accept failed", "error", err)
		return
	}

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// CloseRead drains incoming frames and cancels the returned context when
	// the peer goes away.
	ctx := conn.CloseRead(r.Context())
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
