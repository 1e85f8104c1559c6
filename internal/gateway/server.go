package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"familycore/internal/apperr"
	"familycore/internal/auth"
	"familycore/internal/cache"
	"familycore/internal/location"
	"familycore/internal/metrics"
	"familycore/internal/privacy"
	"familycore/internal/repository"
	"familycore/internal/store"
	"familycore/internal/validator"
)

// Server is the C6 session/gateway component: it holds every other
// component plus the connected-sockets/rooms bookkeeping of spec §5.
type Server struct {
	verifier auth.Verifier
	cache    *cache.Layer
	privacy  *privacy.Service
	location *location.Service
	admin    *repository.Admin
	store    *store.Client
	logger   *slog.Logger
	validate *validator.Validator

	roomsMu sync.RWMutex
	rooms   map[string]map[string]*Socket // family_id -> socket_id -> Socket

	usersMu sync.RWMutex
	users   map[string]map[string]*Socket // user_id -> socket_id -> Socket
}

func New(verifier auth.Verifier, c *cache.Layer, p *privacy.Service, l *location.Service, admin *repository.Admin, s *store.Client, logger *slog.Logger) *Server {
	return &Server{
		verifier: verifier,
		cache:    c,
		privacy:  p,
		location: l,
		admin:    admin,
		store:    s,
		logger:   logger,
		validate: validator.New(),
		rooms:    make(map[string]map[string]*Socket),
		users:    make(map[string]map[string]*Socket),
	}
}

// Serve runs one socket's full lifecycle: NEW -> AUTHENTICATING -> OPEN ->
// CLOSED, per spec §4.6. queryToken is the bearer token extracted from the
// upgrade request's header or query string, if present.
func (srv *Server) Serve(ctx context.Context, conn *websocket.Conn, queryToken string) {
	sock := newSocket(conn, srv.logger)
	sock.startReadKeepalive()
	go sock.writePump()

	sock.setState(stateAuthenticating)
	token := queryToken
	if token == "" {
		token = srv.readAuthPayload(sock)
	}
	if token == "" {
		srv.logger.Debug("gateway: no bearer token presented, disconnecting")
		close(sock.send)
		return
	}

	claims, err := srv.verifier.Verify(token)
	if err != nil {
		srv.logger.Debug("gateway: token verification failed", "error", err)
		close(sock.send)
		return
	}
	sock.userID = claims.UserID

	familyIDs, err := srv.cache.FamiliesOf(ctx, sock.userID)
	if err != nil {
		srv.logger.Warn("gateway: families_of failed during authentication", "user_id", sock.userID, "error", err)
	}

	for _, familyID := range familyIDs {
		srv.joinRoom(sock, familyID)
		if err := srv.cache.SetOnline(ctx, sock.userID, familyID); err != nil {
			srv.logger.Warn("gateway: set_online failed", "user_id", sock.userID, "family_id", familyID, "error", err)
		}
		srv.broadcastPresence(ctx, familyID, sock.userID, "online", nil)
	}

	srv.registerUser(sock)
	metrics.SocketsConnected.Add(1)
	sock.setState(stateOpen)

	sock.enqueue(outboundEnvelope{Type: "connected", Data: map[string]interface{}{
		"user_id":    sock.userID,
		"family_ids": sock.familyIDList(),
	}})

	srv.readLoop(ctx, sock)

	srv.disconnect(ctx, sock)
	metrics.SocketsConnected.Add(-1)
}

// readAuthPayload waits briefly for the socket's first message to carry
// auth.token, per spec §6's third bearer source. Used only when neither the
// header nor the query string carried a token at upgrade time.
func (srv *Server) readAuthPayload(sock *Socket) string {
	sock.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer sock.conn.SetReadDeadline(time.Time{})

	_, raw, err := sock.conn.ReadMessage()
	if err != nil {
		return ""
	}
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	if env.Auth != nil {
		return env.Auth.Token
	}
	return ""
}

func (srv *Server) readLoop(ctx context.Context, sock *Socket) {
	for {
		_, raw, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed envelope")))
			continue
		}

		// Inbound verbs are processed in arrival order: this loop is the
		// single logical dispatcher for the socket, per spec §5.
		srv.dispatch(ctx, sock, env)
	}
}

func (srv *Server) joinRoom(sock *Socket, familyID string) {
	srv.roomsMu.Lock()
	room, ok := srv.rooms[familyID]
	if !ok {
		room = make(map[string]*Socket)
		srv.rooms[familyID] = room
	}
	room[sock.id] = sock
	srv.roomsMu.Unlock()

	sock.addFamily(familyID)
	sock.familyMu.Lock()
	sock.joinedRooms[familyID] = struct{}{}
	sock.familyMu.Unlock()
}

func (srv *Server) leaveRoom(sock *Socket, familyID string) {
	srv.roomsMu.Lock()
	if room, ok := srv.rooms[familyID]; ok {
		delete(room, sock.id)
		if len(room) == 0 {
			delete(srv.rooms, familyID)
		}
	}
	srv.roomsMu.Unlock()

	sock.removeFamily(familyID)
	sock.familyMu.Lock()
	delete(sock.joinedRooms, familyID)
	sock.familyMu.Unlock()
}

func (srv *Server) registerUser(sock *Socket) {
	srv.usersMu.Lock()
	set, ok := srv.users[sock.userID]
	if !ok {
		set = make(map[string]*Socket)
		srv.users[sock.userID] = set
	}
	set[sock.id] = sock
	srv.usersMu.Unlock()
}

func (srv *Server) unregisterUser(sock *Socket) (remaining int) {
	srv.usersMu.Lock()
	defer srv.usersMu.Unlock()
	set, ok := srv.users[sock.userID]
	if !ok {
		return 0
	}
	delete(set, sock.id)
	remaining = len(set)
	if remaining == 0 {
		delete(srv.users, sock.userID)
	}
	return remaining
}

// userSocketCountInFamily reports how many of a user's currently registered
// sockets are joined to familyID's room — used to decide whether a
// disconnect is the "last socket" transition to offline (spec §4.6, P4).
func (srv *Server) userSocketCountInFamily(userID, familyID string) int {
	srv.usersMu.RLock()
	sockets := make([]*Socket, 0)
	for _, s := range srv.users[userID] {
		sockets = append(sockets, s)
	}
	srv.usersMu.RUnlock()

	count := 0
	for _, s := range sockets {
		if s.isMemberOf(familyID) {
			count++
		}
	}
	return count
}

func (srv *Server) disconnect(ctx context.Context, sock *Socket) {
	sock.setState(stateClosed)
	familyIDs := sock.familyIDList()

	srv.unregisterUser(sock)
	for _, familyID := range familyIDs {
		srv.leaveRoom(sock, familyID)
	}

	// Offline is per family, not per user: a user with sockets open on two
	// different families closing one of them still owes that family an
	// offline broadcast, even though the user has another socket elsewhere.
	for _, familyID := range familyIDs {
		if srv.userSocketCountInFamily(sock.userID, familyID) > 0 {
			continue
		}
		if err := srv.cache.ClearOnline(ctx, sock.userID, familyID); err != nil {
			srv.logger.Warn("gateway: clear_online failed", "user_id", sock.userID, "family_id", familyID, "error", err)
		}
		srv.broadcastPresence(ctx, familyID, sock.userID, "offline", map[string]interface{}{
			"last_seen": time.Now().UTC().Format(time.RFC3339),
		})
	}

	close(sock.send)
}

// broadcastRoom delivers evt to every socket currently in familyID's room.
// The room map is read under lock and copied out before any send, per
// spec §5's "delivery copies out ... before invoking" discipline.
func (srv *Server) broadcastRoom(familyID string, evt outboundEnvelope) {
	srv.roomsMu.RLock()
	room := srv.rooms[familyID]
	sockets := make([]*Socket, 0, len(room))
	for _, s := range room {
		sockets = append(sockets, s)
	}
	srv.roomsMu.RUnlock()

	for _, s := range sockets {
		s.enqueue(evt)
	}
}

// sendToUser delivers evt to every currently connected socket of userID.
func (srv *Server) sendToUser(userID string, evt outboundEnvelope) {
	srv.usersMu.RLock()
	set := srv.users[userID]
	sockets := make([]*Socket, 0, len(set))
	for _, s := range set {
		sockets = append(sockets, s)
	}
	srv.usersMu.RUnlock()

	for _, s := range sockets {
		s.enqueue(evt)
	}
}

// forceLeaveFamily removes every socket of userID from familyID's room —
// used when a membership is revoked or a family is deleted (spec §4.6
// user_removed_from_family, family_deleted).
func (srv *Server) forceLeaveFamily(userID, familyID string) {
	srv.usersMu.RLock()
	sockets := make([]*Socket, 0)
	for _, s := range srv.users[userID] {
		sockets = append(sockets, s)
	}
	srv.usersMu.RUnlock()

	for _, s := range sockets {
		srv.leaveRoom(s, familyID)
	}
}

func (srv *Server) broadcastPresence(ctx context.Context, familyID, userID, status string, extra map[string]interface{}) {
	data := map[string]interface{}{"user_id": userID, "family_id": familyID, "status": status}
	for k, v := range extra {
		data[k] = v
	}
	payload, err := json.Marshal(map[string]interface{}{"type": "presence_update", "data": data})
	if err != nil {
		srv.logger.Warn("gateway: presence encode failed", "error", err)
		return
	}
	channel := fmt.Sprintf("family:%s:alerts", familyID)
	if err := srv.store.Publish(ctx, channel, payload); err != nil {
		srv.logger.Warn("gateway: presence publish failed", "channel", channel, "error", err)
	}
	srv.broadcastRoom(familyID, outboundEnvelope{Type: "presence_update", Data: data})
}
