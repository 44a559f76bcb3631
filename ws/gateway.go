// Package ws implements the WebSocket Gateway (C12): a connection
// registry with room fan-out, lifecycle hooks, and per-route
// authentication.
//
// Design Notes:
//   - A registry owns connection state, each socket gets its own read
//     pump goroutine, and outbound writes go through a buffered
//     per-socket send channel drained by a write pump. Routes are
//     registered individually via Register(path, config) with
//     per-route hooks, and connections are grouped into named rooms
//     rather than a single flat connection map.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection state machine: pending-auth -> open ->
// closing -> closed. closed is terminal.
type State string

const (
	StatePendingAuth State = "pending-auth"
	StateOpen        State = "open"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

// Context is the per-connection request data, built once at upgrade
// time and handed to every hook.
type Context struct {
	Path    string
	Query   url.Values
	Headers http.Header
	User    any
	Raw     *http.Request
}

// AuthFunc validates the upgrade request and returns the authenticated
// user, or an error to reject it.
type AuthFunc func(ctx *Context) (user any, err error)

// BeforeConnectFunc runs after auth succeeds but before the socket is
// registered; returning an error aborts the connection.
type BeforeConnectFunc func(ctx *Context, sock *Socket) error

// ConnectFunc runs once the socket is registered and open.
type ConnectFunc func(ctx *Context, sock *Socket)

// MessageFunc handles one inbound message. parsed is the JSON-decoded
// payload when the message is valid JSON, otherwise nil; raw is always
// the original bytes.
type MessageFunc func(ctx *Context, sock *Socket, parsed any, raw []byte)

// CloseFunc runs once a socket transitions to closed.
type CloseFunc func(ctx *Context, sock *Socket)

// ErrorFunc observes an error without closing the socket.
type ErrorFunc func(ctx *Context, sock *Socket, err error)

// RouteConfig is the set of optional hooks register(path, config)
// binds to a route.
type RouteConfig struct {
	Auth          AuthFunc
	BeforeConnect BeforeConnectFunc
	OnConnect     ConnectFunc
	OnMessage     MessageFunc
	OnClose       CloseFunc
	OnError       ErrorFunc
	Upgrader      websocket.Upgrader
}

type route struct {
	path   string
	config RouteConfig
}

// MessageEvent is published for every message handled across every
// route, independent of a route's own OnMessage hook.
type MessageEvent struct {
	Path       string
	SocketID   string
	ReceivedAt time.Time
	Parsed     any
	Raw        []byte
}

// Gateway is the C12 component: a route registry plus a room registry.
type Gateway struct {
	logger *zap.Logger

	mu     sync.RWMutex
	routes map[string]route
	rooms  map[string]map[*Socket]struct{}

	onMessage func(MessageEvent)
}

// New creates an empty Gateway.
func New(logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		logger: logger,
		routes: make(map[string]route),
		rooms:  make(map[string]map[*Socket]struct{}),
	}
}

// OnMessage installs the gateway-level message observer, called for
// every message across every route.
func (g *Gateway) OnMessage(fn func(MessageEvent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onMessage = fn
}

// Register binds a route with optional lifecycle hooks.
func (g *Gateway) Register(path string, config RouteConfig) {
	if config.Upgrader.ReadBufferSize == 0 {
		config.Upgrader.ReadBufferSize = 1024
	}
	if config.Upgrader.WriteBufferSize == 0 {
		config.Upgrader.WriteBufferSize = 1024
	}
	if config.Upgrader.CheckOrigin == nil {
		config.Upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[path] = route{path: path, config: config}
}

// ServeHTTP dispatches an upgrade request to its registered route. If no
// route matches or auth rejects it, the connection is not upgraded: the
// request is answered with an HTTP error response (404 "not found" or
// 401 "unauthorized", with that text as body) rather than a bare close.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	rt, ok := g.routes[r.URL.Path]
	g.mu.RUnlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	wsCtx := &Context{Path: r.URL.Path, Query: r.URL.Query(), Headers: r.Header, Raw: r}

	if rt.config.Auth != nil {
		user, err := rt.config.Auth(wsCtx)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		wsCtx.User = user
	}

	conn, err := rt.config.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}

	sock := newSocket(conn, rt.config, wsCtx, g)

	if rt.config.BeforeConnect != nil {
		if err := rt.config.BeforeConnect(wsCtx, sock); err != nil {
			conn.Close()
			return
		}
	}

	sock.mu.Lock()
	sock.state = StateOpen
	sock.mu.Unlock()

	if rt.config.OnConnect != nil {
		rt.config.OnConnect(wsCtx, sock)
	}

	go sock.writePump()
	go sock.readPump()
}

// CreateRoom ensures room exists; a no-op if it already does.
func (g *Gateway) CreateRoom(room string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[room] == nil {
		g.rooms[room] = make(map[*Socket]struct{})
	}
}

// JoinRoom adds sock to room, creating it if necessary.
func (g *Gateway) JoinRoom(room string, sock *Socket) {
	g.mu.Lock()
	if g.rooms[room] == nil {
		g.rooms[room] = make(map[*Socket]struct{})
	}
	g.rooms[room][sock] = struct{}{}
	g.mu.Unlock()

	sock.mu.Lock()
	sock.rooms[room] = struct{}{}
	sock.mu.Unlock()
}

// LeaveRoom removes sock from room.
func (g *Gateway) LeaveRoom(room string, sock *Socket) {
	g.mu.Lock()
	if members := g.rooms[room]; members != nil {
		delete(members, sock)
	}
	g.mu.Unlock()

	sock.mu.Lock()
	delete(sock.rooms, room)
	sock.mu.Unlock()
}

// Broadcast reaches exactly the sockets currently in room whose state
// is OPEN at the moment of iteration (the broadcast membership guarantee):
// the room's membership snapshot is taken under the same lock that
// JoinRoom/LeaveRoom mutate under, so a socket added or removed
// concurrently is seen uniformly or not at all for this call.
func (g *Gateway) Broadcast(room string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: marshal broadcast payload: %w", err)
	}

	g.mu.RLock()
	members := make([]*Socket, 0, len(g.rooms[room]))
	for s := range g.rooms[room] {
		members = append(members, s)
	}
	g.mu.RUnlock()

	for _, sock := range members {
		sock.mu.RLock()
		open := sock.state == StateOpen
		sock.mu.RUnlock()
		if !open {
			continue
		}
		select {
		case sock.send <- data:
		default:
			g.logger.Warn("dropping broadcast to slow socket", zap.String("id", sock.id), zap.String("room", room))
		}
	}
	return nil
}

// removeFromAllRooms drops sock from every room, used on close.
func (g *Gateway) removeFromAllRooms(sock *Socket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, members := range g.rooms {
		delete(members, sock)
	}
}

// Socket is one registered WebSocket connection.
type Socket struct {
	id      string
	conn    *websocket.Conn
	config  RouteConfig
	ctx     *Context
	gateway *Gateway

	send chan []byte

	mu    sync.RWMutex
	state State
	rooms map[string]struct{}
}

func newSocket(conn *websocket.Conn, config RouteConfig, ctx *Context, gw *Gateway) *Socket {
	return &Socket{
		id:      uuid.NewString(),
		conn:    conn,
		config:  config,
		ctx:     ctx,
		gateway: gw,
		send:    make(chan []byte, sendBufferSize),
		state:   StatePendingAuth,
		rooms:   make(map[string]struct{}),
	}
}

// ID returns the socket's unique connection id.
func (s *Socket) ID() string { return s.id }

// State returns the socket's current lifecycle state.
func (s *Socket) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Send enqueues data for delivery, dropping it if the socket's outbound
// buffer is full.
func (s *Socket) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: marshal payload: %w", err)
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("ws: socket %s send buffer full", s.id)
	}
}

// Close transitions the socket to closing then closes the connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Socket) readPump() {
	defer s.finishClose()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(message)
	}
}

func (s *Socket) handleMessage(raw []byte) {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = nil
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.reportError(fmt.Errorf("ws: onMessage panic: %v", r))
			}
		}()
		if s.config.OnMessage != nil {
			s.config.OnMessage(s.ctx, s, parsed, raw)
		}
	}()

	s.gateway.mu.RLock()
	observer := s.gateway.onMessage
	s.gateway.mu.RUnlock()
	if observer != nil {
		observer(MessageEvent{Path: s.ctx.Path, SocketID: s.id, ReceivedAt: time.Now(), Parsed: parsed, Raw: raw})
	}
}

func (s *Socket) reportError(err error) {
	if s.config.OnError != nil {
		s.config.OnError(s.ctx, s, err)
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.reportError(fmt.Errorf("ws: write: %w", err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Socket) finishClose() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.gateway.removeFromAllRooms(s)

	if s.config.OnClose != nil {
		s.config.OnClose(s.ctx, s)
	}
}

