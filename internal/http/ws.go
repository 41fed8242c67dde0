package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"oncoroom-relay/internal/core"
	"oncoroom-relay/pkg"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Reasons sent to clients in error events.
const (
	reasonInvalidSession = "Sessão inválida"
	reasonForbidden      = "Você não tem permissão para entrar nesta sessão"
	reasonAlreadyJoined  = "Você já está em uma sala"
	reasonBadMessage     = "Mensagem inválida"
	reasonBadRole        = "Papel inválido"
)

// client is one WebSocket connection.  It implements core.Peer.
type client struct {
	id   string
	conn *websocket.Conn
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, logger *zap.Logger, buffer int) *client {
	id := uuid.NewString()
	return &client{
		id:   id,
		conn: conn,
		log:  logger.With(zap.String("conn", id)),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send queues ev for the write pump.  A full buffer closes the connection.
// Send is called with relay locks held so it must not call back into the
// relay.
func (c *client) Send(ev core.Event) bool {
	frame, err := encodeEvent(ev)
	if err != nil {
		c.log.Error("encode event", zap.String("event", ev.Name), zap.Error(err))
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send buffer full, disconnecting")
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) sendError(reason string) {
	c.Send(core.Event{Name: core.EventError, Data: reason})
}

// writePump owns all writes to the socket.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// handleSocket upgrades the request and serves the connection until it
// closes.  Disconnecting always leaves the room.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(conn, s.Log, s.Opts.SendBuffer)
	if !s.track(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	c.log.Debug("socket connected", zap.String("remote", r.RemoteAddr))
	go c.writePump()

	defer func() {
		s.Relay.Leave(c.id)
		c.close()
		s.untrack(c)
		c.log.Debug("socket disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("socket read", zap.Error(err))
			}
			return
		}
		s.dispatch(c, data)
	}
}

// track registers a live socket.  It reports false once CloseClients has
// been called.
func (s *Server) track(c *client) bool {
	s.socketsMu.Lock()
	defer s.socketsMu.Unlock()
	if s.closing {
		return false
	}
	s.sockets[c.id] = c
	s.socketsWG.Add(1)
	return true
}

func (s *Server) untrack(c *client) {
	s.socketsMu.Lock()
	delete(s.sockets, c.id)
	s.socketsMu.Unlock()
	s.socketsWG.Done()
}

// CloseClients disconnects every live socket and refuses new ones.  Hijacked
// connections are invisible to http.Server.Shutdown, so this is registered
// as its shutdown hook.
func (s *Server) CloseClients() {
	s.socketsMu.Lock()
	s.closing = true
	live := make([]*client, 0, len(s.sockets))
	for _, c := range s.sockets {
		live = append(live, c)
	}
	s.socketsMu.Unlock()
	for _, c := range live {
		c.close()
	}
	s.Log.Info("closing sockets", zap.Int("count", len(live)))
}

// WaitClients blocks until every socket handler has returned or ctx ends.
func (s *Server) WaitClients(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.socketsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) dispatch(c *client, data []byte) {
	var env pkg.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError(reasonBadMessage)
		return
	}
	switch env.Event {
	case core.EventJoinRoom:
		s.onJoin(c, env.Data)
	case core.EventChatMessage:
		s.onChat(c, env.Data)
	default:
		c.log.Debug("unknown event", zap.String("event", env.Event))
	}
}

func (s *Server) onJoin(c *client, raw json.RawMessage) {
	var req pkg.JoinRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError(reasonBadMessage)
		return
	}
	token := req.Hash
	if token == "" {
		token = req.Token
	}
	role, err := core.ParseRole(req.Role)
	if err != nil {
		c.sendError(reasonBadRole)
		return
	}
	if err := s.Relay.Join(c, token, role, req.PatientID); err != nil {
		c.log.Info("join rejected", zap.String("token", token), zap.Stringer("role", role), zap.Error(err))
		c.sendError(joinReason(err))
	}
}

func (s *Server) onChat(c *client, raw json.RawMessage) {
	var req pkg.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError(reasonBadMessage)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.log.Debug("dropped empty message")
		return
	}
	if err := s.Relay.RelayMessage(c.id, req.Content); err != nil && !errors.Is(err, core.ErrNotJoined) {
		c.log.Warn("relay message", zap.Error(err))
	}
}

func joinReason(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidSession):
		return reasonInvalidSession
	case errors.Is(err, core.ErrAlreadyJoined):
		return reasonAlreadyJoined
	default:
		return reasonForbidden
	}
}

// encodeEvent renders ev as a {"event","seq","data"} frame.  seq is omitted
// when zero.
func encodeEvent(ev core.Event) ([]byte, error) {
	var data json.RawMessage
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(pkg.Envelope{Event: ev.Name, Seq: ev.Seq, Data: data})
}
