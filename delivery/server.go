package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/diary-callbacks/callback"
)

// Lifecycle receives subscription changes made over realtime connections.
type Lifecycle interface {
	Subscribe(ctx context.Context, sessionID string) error
	Unsubscribe(ctx context.Context, sessionID string)
	Disconnect(ctx context.Context, sessionIDs ...string)
}

// Server upgrades HTTP requests to realtime connections and runs the frame
// protocol on them.
type Server struct {
	hub      *Hub
	lc       Lifecycle
	upgrader websocket.Upgrader
	log      *slog.Logger
}

type ServerOption func(*Server)

// WithCheckOrigin overrides the websocket origin check. The default accepts
// only same-origin requests.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func NewServer(hub *Hub, lc Lifecycle, opts ...ServerOption) *Server {
	s := &Server{
		hub: hub,
		lc:  lc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WarnContext(r.Context(), "delivery.upgrade.err", slog.String("err", err.Error()))
		return
	}
	// The request context ends when ServeHTTP returns; lifecycle calls made
	// from the read loop must outlive it.
	ctx := context.WithoutCancel(r.Context())
	c := s.hub.Add(ws)
	s.log.InfoContext(ctx, "delivery.connect")

	go s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	defer func() {
		ids := s.hub.Remove(c)
		s.lc.Disconnect(ctx, ids...)
		s.log.InfoContext(ctx, "delivery.disconnect", slog.Int("sessions", len(ids)))
	}()

	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.DebugContext(ctx, "delivery.read.err", slog.String("err", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.hub.reply(c, ServerFrame{Type: callback.MessageError, Content: "invalid frame"})
			continue
		}
		s.handleFrame(ctx, c, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *Conn, frame ClientFrame) {
	id, ok := ParseDestination(frame.Destination)
	if !ok {
		s.hub.reply(c, ServerFrame{Destination: frame.Destination, Type: callback.MessageError, Content: "invalid destination"})
		return
	}

	switch frame.Command {
	case CommandSubscribe:
		// Bind first so events replayed during Subscribe find the connection.
		if prev := s.hub.Bind(c, id); prev != nil {
			s.log.InfoContext(ctx, "delivery.subscribe.replaced", slog.String("session_id", id))
		}
		if err := s.lc.Subscribe(ctx, id); err != nil {
			s.hub.Unbind(c, id)
			s.hub.reply(c, ServerFrame{Destination: frame.Destination, Type: callback.MessageError, Content: err.Error()})
		}
	case CommandUnsubscribe:
		if s.hub.Unbind(c, id) {
			s.lc.Unsubscribe(ctx, id)
		}
	default:
		s.hub.reply(c, ServerFrame{Destination: frame.Destination, Type: callback.MessageError, Content: "unknown command"})
	}
}
