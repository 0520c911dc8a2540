// Package delivery owns the realtime connections held by this instance and
// pushes callback messages to them.
package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/diary-callbacks/callback"
)

// Channel pushes a message to the live connection bound to a session on this
// instance. It reports false when there is no such connection or the push
// could not be queued.
type Channel interface {
	Send(ctx context.Context, sessionID string, msg callback.Message) bool
}

const (
	defaultSendBuffer = 64
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
)

// Hub maps session ids to the connection subscribed to them. At most one
// connection is bound to a session; binding again replaces the previous one.
type Hub struct {
	mu        sync.RWMutex
	bySession map[string]*Conn
	conns     map[*Conn]struct{}

	sendBuffer int
	log        *slog.Logger
}

// Conn is one realtime connection. Writes happen on its own goroutine in the
// order they were queued.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	// sessions is guarded by Hub.mu.
	sessions map[string]struct{}
}

type HubOption func(*Hub)

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithHubLogger(log *slog.Logger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		bySession:  make(map[string]*Conn),
		conns:      make(map[*Conn]struct{}),
		sendBuffer: defaultSendBuffer,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Add registers ws and starts its write pump.
func (h *Hub) Add(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		send:     make(chan []byte, h.sendBuffer),
		sessions: make(map[string]struct{}),
	}
	go c.writePump()

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Bind routes sessionID to c. It returns the connection previously bound, if
// it was a different one.
func (h *Hub) Bind(c *Conn, sessionID string) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.bySession[sessionID]
	if old == c {
		return nil
	}
	if old != nil {
		delete(old.sessions, sessionID)
	}
	h.bySession[sessionID] = c
	c.sessions[sessionID] = struct{}{}
	return old
}

// Unbind removes the route for sessionID if it points at c.
func (h *Hub) Unbind(c *Conn, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySession[sessionID] != c {
		return false
	}
	delete(h.bySession, sessionID)
	delete(c.sessions, sessionID)
	return true
}

// Remove forgets c, closes it and returns the session ids that were still
// bound to it.
func (h *Hub) Remove(c *Conn) []string {
	h.mu.Lock()
	var ids []string
	for id := range c.sessions {
		if h.bySession[id] == c {
			delete(h.bySession, id)
			ids = append(ids, id)
		}
	}
	c.sessions = make(map[string]struct{})
	delete(h.conns, c)
	h.mu.Unlock()

	c.close()
	return ids
}

// Send implements Channel. A connection whose queue is full is considered too
// slow and is closed; its read loop then reports the disconnect.
func (h *Hub) Send(ctx context.Context, sessionID string, msg callback.Message) bool {
	h.mu.RLock()
	c := h.bySession[sessionID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}

	data, err := json.Marshal(ServerFrame{Destination: Destination(sessionID), Type: msg.Type, Content: msg.Content})
	if err != nil {
		h.log.ErrorContext(ctx, "delivery.send.marshal.err", slog.String("err", err.Error()))
		return false
	}

	ok, full := c.enqueue(data)
	if full {
		h.log.WarnContext(ctx, "delivery.send.slow_client", slog.String("session_id", sessionID))
		c.close()
	}
	return ok
}

// Bound reports whether sessionID has a connection on this instance.
func (h *Hub) Bound(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.bySession[sessionID]
	return ok
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// reply writes a frame to c regardless of session routing.
func (h *Hub) reply(c *Conn, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) (ok, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	select {
	case c.send <- data:
		return true, false
	default:
		return false, true
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ Channel = (*Hub)(nil)
