// Package events fans sync notifications out to websocket subscribers.
package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// subscriberBuffer is how many undelivered messages a subscriber may
	// fall behind by before new ones are dropped for it.
	subscriberBuffer = 16

	writeTimeout = 5 * time.Second
)

// Message is the wire form of one notification.
type Message struct {
	Event   string             `json:"event"`
	Payload models.SyncPayload `json:"payload"`
}

// Hub broadcasts notifications. It satisfies the synchronizer's Notifier.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[chan Message]struct{}
	last   *Message
	closed bool
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[chan Message]struct{}),
	}
}

// Emit queues the notification for every subscriber and never blocks. A
// subscriber whose buffer is full misses it.
func (h *Hub) Emit(event string, payload models.SyncPayload) {
	msg := Message{Event: event, Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &msg

	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.logger.Debug("dropping event for slow subscriber", slog.String("status", string(payload.Status)))
		}
	}
}

// Last returns the most recent notification, if any.
func (h *Hub) Last() (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.last == nil {
		return Message{}, false
	}

	return *h.last, true
}

// Subscribe registers a listener. The most recent notification, if any,
// is delivered first. The returned cancel func unregisters it and closes
// the channel.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)

		return ch, func() {}
	}

	if h.last != nil {
		ch <- *h.last
	}

	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of registered listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Close disconnects every subscriber. Later Emits are still recorded but
// reach nobody.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Handler upgrades the request to a websocket and streams notifications
// to it until the client goes away or the hub closes. Client messages are
// ignored.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		msgs, cancel := h.Subscribe()
		defer cancel()

		ctx := conn.CloseRead(r.Context())

		h.logger.Debug("event subscriber connected", slog.Int("subscribers", h.Subscribers()))

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}

				if err := write(ctx, conn, msg); err != nil {
					h.logger.Debug("event subscriber write failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	})
}

func write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, msg)
}
