// Package ws implements the WebSocket event feed for run lifecycle
// notifications. Editor UIs connect, subscribe, and receive run.started /
// run.finished events instead of polling the run history endpoint.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event types pushed to subscribers.
const (
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
)

// Event is a single run lifecycle notification.
type Event struct {
	Type    string    `json:"type"`
	RunID   string    `json:"run_id"`
	Plugin  string    `json:"plugin"`
	Outcome string    `json:"outcome,omitempty"` // Set on run.finished only.
	Runtime string    `json:"runtime,omitempty"` // Set on run.finished only.
	Time    time.Time `json:"time"`
}

// subscriberBuffer bounds the per-subscriber event queue. A subscriber
// that falls this far behind starts losing events rather than blocking
// the publisher.
const subscriberBuffer = 16

type subscriber struct {
	events chan Event
}

// Hub fans run lifecycle events out to connected WebSocket clients.
// Publishing never blocks: slow subscribers drop events.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates an event hub with no subscribers.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish delivers the event to every subscriber. Subscribers with a full
// buffer miss this event; the hub never waits for a slow reader.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.events <- ev:
		default:
			// Subscriber is not keeping up. Drop rather than stall the run.
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{events: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Handler returns an http.Handler that upgrades the connection to
// WebSocket and streams events until the client disconnects.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sub := h.subscribe()
	defer h.unsubscribe(sub)
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	// The feed is write-only; CloseRead discards client frames and
	// cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("event subscriber connected", slog.Int("subscribers", h.Subscribers()))

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.events:
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Hub) writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
