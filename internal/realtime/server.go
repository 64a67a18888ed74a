package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/orderflow-dispatch/internal/auth"
	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
	"github.com/joao-fontenele/orderflow-dispatch/internal/notify"
	"github.com/joao-fontenele/orderflow-dispatch/internal/telemetry"
)

const (
	defaultSendBuffer = 64
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	maxCommandSize    = 4096
	replyBuffer       = 16
	closeGracePeriod  = time.Second
)

// RoomAuthorizer decides whether actor may join room.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, actor domain.Actor, room string) error
}

// Server upgrades authenticated requests to WebSocket connections and bridges
// them to the hub. It must sit behind auth.Middleware.
type Server struct {
	hub        *notify.Hub
	authz      RoomAuthorizer
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int
	writeWait  time.Duration
	pongWait   time.Duration

	connections metric.Int64UpDownCounter

	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	closed bool
}

type Option func(*Server)

func WithSendBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendBuffer = n
		}
	}
}

func WithPongWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pongWait = d
		}
	}
}

// WithCheckOrigin replaces the default same-origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

func NewServer(hub *notify.Hub, authz RoomAuthorizer, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		hub:        hub,
		authz:      authz,
		logger:     logger,
		sendBuffer: defaultSendBuffer,
		writeWait:  defaultWriteWait,
		pongWait:   defaultPongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:       make(map[string]*websocket.Conn),
		connections: telemetry.Int64UpDownCounter("dispatch/realtime", "dispatch.realtime.connections", "Open WebSocket connections"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug().Err(err).Str("user_id", actor.ID).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &conn{
		id:      id,
		actor:   actor,
		ws:      ws,
		server:  s,
		sink:    notify.NewChanSink(s.sendBuffer),
		replies: make(chan Reply, replyBuffer),
		done:    make(chan struct{}),
		logger:  s.logger.With().Str("conn_id", id).Str("user_id", actor.ID).Logger(),
	}

	if !s.track(c.id, ws) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.writeWait))
		_ = ws.Close()
		return
	}
	defer s.untrack(c.id)

	ctx := context.WithoutCancel(r.Context())
	s.connections.Add(ctx, 1)
	defer s.connections.Add(ctx, -1)

	c.run(ctx)
}

// Shutdown closes every open connection with a going-away frame. Connections
// opened afterwards are refused.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, ws := range s.conns {
		conns = append(conns, ws)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(closeGracePeriod)
	for _, ws := range conns {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = ws.Close()
	}
}

// Open reports the number of live connections.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(id string, ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[id] = ws
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

type conn struct {
	id      string
	actor   domain.Actor
	ws      *websocket.Conn
	server  *Server
	sink    *notify.ChanSink
	replies chan Reply
	done    chan struct{}
	logger  zerolog.Logger
}

func (c *conn) run(ctx context.Context) {
	hub := c.server.hub
	hub.Attach(c.id, c.sink)
	for _, room := range notify.DefaultRooms(c.actor) {
		hub.Join(c.id, room)
	}
	c.logger.Info().Str("role", string(c.actor.Role)).Msg("connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readLoop(ctx, writerDone)

	rooms := hub.Detach(c.id)
	c.sink.Close()
	close(c.done)
	<-writerDone
	_ = c.ws.Close()

	c.logger.Info().Strs("rooms", rooms).Msg("connection closed")
}

func (c *conn) readLoop(ctx context.Context, writerDone <-chan struct{}) {
	pongWait := c.server.pongWait
	c.ws.SetReadLimit(maxCommandSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.ws.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		reply := c.handle(ctx, cmd)
		select {
		case c.replies <- reply:
		case <-writerDone:
			return
		}
	}
}

func (c *conn) handle(ctx context.Context, cmd Command) Reply {
	switch cmd.Action {
	case ActionJoin:
		if err := c.server.authz.AuthorizeRoom(ctx, c.actor, cmd.Room); err != nil {
			c.logger.Debug().Err(err).Str("room", cmd.Room).Msg("join refused")
			return Reply{Event: ReplyError, Room: cmd.Room, Message: joinRefusal(err)}
		}
		c.server.hub.Join(c.id, cmd.Room)
		return Reply{Event: ReplyJoined, Room: cmd.Room}
	case ActionLeave:
		c.server.hub.Leave(c.id, cmd.Room)
		return Reply{Event: ReplyLeft, Room: cmd.Room}
	default:
		return Reply{Event: ReplyError, Room: cmd.Room, Message: "unknown action " + cmd.Action}
	}
}

func joinRefusal(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return "unknown room"
	case errors.Is(err, domain.ErrNotFound):
		return "order not found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "not permitted to join room"
	default:
		return "could not join room"
	}
}

// writePump is the only writer on the socket. It drains bus events and
// command replies in arrival order and keeps the peer alive with pings.
func (c *conn) writePump() {
	pingPeriod := c.server.pongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	events := c.sink.C()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				c.writeClose()
				return
			}
			if err := c.write(env); err != nil {
				c.abort(err)
				return
			}
		case reply := <-c.replies:
			if err := c.write(reply); err != nil {
				c.abort(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.server.writeWait)); err != nil {
				c.abort(err)
				return
			}
		case <-c.done:
			c.writeClose()
			return
		}
	}
}

func (c *conn) write(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeClose() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.server.writeWait))
}

// abort unblocks the read loop after a failed write.
func (c *conn) abort(err error) {
	c.logger.Debug().Err(err).Msg("write failed")
	_ = c.ws.Close()
}
