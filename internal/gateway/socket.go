// Package gateway is the C6 session/socket layer: authenticates a
// connection, resolves its family memberships, joins fan-out rooms,
// dispatches inbound events, and forwards bus events to the sockets
// joined to a room.
//
// Grounded on askfrank's internal/web/websocket.go upgrader/handler shape
// and cartographus's internal/websocket/hub.go and client.go
// register/unregister-under-lock pattern, generalized from one global
// broadcast set to per-family rooms. The upgrade itself uses
// github.com/gofiber/contrib/websocket rather than askfrank's own
// gorilla/websocket-via-net/http bridge: askfrank's bridge is Fiber's
// adaptor.HTTPHandlerFunc wrapping net/http.ResponseWriter over fasthttp,
// which does not implement http.Hijacker that gorilla/websocket's Upgrade
// requires, and is never actually wired into askfrank's own router (its
// call site is commented out in cmd/main.go). gofiber/contrib/websocket
// upgrades over fasthttp's native RequestCtx.Hijack instead.
package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"familycore/internal/apperr"
)

// state is a socket's position in the state machine of spec §4.6.
type state int

const (
	stateNew state = iota
	stateAuthenticating
	stateOpen
	stateClosed
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	sendBufferSize = 64
	maxMessageSize = 32 * 1024
)

// inboundEnvelope is the outer shape of every message a client sends.
type inboundEnvelope struct {
	Verb    string          `json:"verb"`
	Payload json.RawMessage `json:"payload"`
	Auth    *authPayload    `json:"auth,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

// outboundEnvelope is the outer shape of every message the gateway sends.
type outboundEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Socket is one connected client, per spec §3 "Session".
type Socket struct {
	id       string
	userID   string
	familyMu sync.RWMutex
	familyIDs map[string]struct{}
	joinedRooms map[string]struct{}

	conn   *websocket.Conn
	send   chan outboundEnvelope
	logger *slog.Logger

	mu    sync.Mutex
	state state
}

func newSocket(conn *websocket.Conn, logger *slog.Logger) *Socket {
	return &Socket{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan outboundEnvelope, sendBufferSize),
		logger:      logger,
		familyIDs:   make(map[string]struct{}),
		joinedRooms: make(map[string]struct{}),
		state:       stateNew,
	}
}

func (s *Socket) setState(st state) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Socket) currentState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) familyIDList() []string {
	s.familyMu.RLock()
	defer s.familyMu.RUnlock()
	ids := make([]string, 0, len(s.familyIDs))
	for id := range s.familyIDs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Socket) isMemberOf(familyID string) bool {
	s.familyMu.RLock()
	defer s.familyMu.RUnlock()
	_, ok := s.familyIDs[familyID]
	return ok
}

func (s *Socket) addFamily(familyID string) {
	s.familyMu.Lock()
	s.familyIDs[familyID] = struct{}{}
	s.familyMu.Unlock()
}

func (s *Socket) removeFamily(familyID string) {
	s.familyMu.Lock()
	delete(s.familyIDs, familyID)
	s.familyMu.Unlock()
}

// enqueue best-effort delivers an event to the socket's write pump; a full
// buffer means the socket is not keeping up and the message is dropped
// rather than blocking the caller (bus delivery is at-least-once, not
// exactly-once, per spec §5).
func (s *Socket) enqueue(evt outboundEnvelope) {
	select {
	case s.send <- evt:
	default:
		s.logger.Warn("gateway: socket send buffer full, dropping message", "socket_id", s.id, "type", evt.Type)
	}
}

// writePump owns the only goroutine allowed to call conn.WriteMessage,
// including periodic pings, per gorilla/websocket's single-writer rule.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case evt, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(evt); err != nil {
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

func (s *Socket) startReadKeepalive() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

func errAck(err error) outboundEnvelope {
	message := err.Error()
	if ae, ok := err.(*apperr.Error); ok {
		message = ae.Message
	}
	return outboundEnvelope{Type: "ack", Data: map[string]interface{}{"success": false, "error": message}}
}

func okAck(data map[string]interface{}) outboundEnvelope {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["success"] = true
	return outboundEnvelope{Type: "ack", Data: data}
}
