package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/kalambet/xlcopilot/internal/state"
)

const (
	wsWriteTimeout = 500 * time.Millisecond
	// clientBuffer is how many events may queue for a slow client before
	// further events to it are dropped.
	clientBuffer = 32
)

// Event is one message pushed to WebSocket clients after a state change.
type Event struct {
	ID    string     `json:"id"`
	Type  string     `json:"type"`
	Op    string     `json:"op"`
	State state.View `json:"state"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans state-change events out to connected WebSocket clients.
// Publish only queues; each connection has its own writer goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	seq     atomic.Uint64
	origins []string
}

// NewHub creates a Hub. origins lists extra host patterns allowed to open
// cross-origin connections; same-origin requests are always accepted.
func NewHub(origins ...string) *Hub {
	return &Hub{clients: map[*client]struct{}{}, origins: origins}
}

// Attach publishes every mutation of store until the returned func is called.
func (h *Hub) Attach(store *state.Store) func() {
	return store.Subscribe(func(kind state.EventKind) {
		h.Publish("state."+string(kind), store.View())
	})
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.register(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		h.unregister(c)
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	go c.writeLoop(ctx, cancel)

	// Clients only listen; reading keeps control frames flowing and
	// detects disconnects.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// writeLoop drains the client's queue until ctx ends. A failed write
// cancels ctx, which ends the read loop and drops the connection.
func (c *client) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			wcancel()
			if err != nil {
				slog.Debug("websocket write failed, closing", "error", err)
				cancel()
				return
			}
		}
	}
}

// Publish queues an event for every connected client without waiting on
// the network. Clients whose queue is full miss the event.
func (h *Hub) Publish(op string, v state.View) {
	evt := Event{
		ID:    fmt.Sprintf("evt_%d", h.seq.Add(1)),
		Type:  "event",
		Op:    op,
		State: v,
	}
	msg, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("encoding websocket event failed", "op", op, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Debug("websocket client queue full, dropping event", "op", op, "event_id", evt.ID)
		}
	}
}
