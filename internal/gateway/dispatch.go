package gateway

import (
	"context"
	"encoding/json"
	"time"

	"familycore/internal/apperr"
	"familycore/internal/models"
)

// dispatch routes one inbound envelope by verb, per spec §4.6's table. All
// verbs require the socket to be OPEN.
func (srv *Server) dispatch(ctx context.Context, sock *Socket, env inboundEnvelope) {
	if sock.currentState() != stateOpen {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "socket not open")))
		return
	}

	switch env.Verb {
	case "location_update":
		srv.handleLocationUpdate(ctx, sock, env.Payload)
	case "ping":
		sock.enqueue(outboundEnvelope{Type: "pong", Data: map[string]interface{}{"server_ts_ms": time.Now().UnixMilli()}})
	case "join_family":
		srv.handleJoinFamily(ctx, sock, env.Payload)
	case "leave_family":
		srv.handleLeaveFamily(ctx, sock, env.Payload)
	case "ghost_mode":
		srv.handleGhostMode(ctx, sock, env.Payload)
	case "user_added_to_family":
		srv.handleUserAddedToFamily(ctx, sock, env.Payload)
	case "user_removed_from_family":
		srv.handleUserRemovedFromFamily(ctx, sock, env.Payload)
	case "family_deleted":
		srv.handleFamilyDeleted(ctx, sock, env.Payload)
	case "member_role_updated":
		srv.handleMemberRoleUpdated(ctx, sock, env.Payload)
	case "refresh_family_cache":
		srv.handleRefreshFamilyCache(ctx, sock, env.Payload)
	default:
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "unknown verb: "+env.Verb)))
	}
}

type locationUpdatePayload struct {
	FamilyID     string             `json:"family_id" validate:"required"`
	Latitude     float64            `json:"lat"`
	Longitude    float64            `json:"lon"`
	AccuracyM    float64            `json:"accuracy"`
	ClientTSMs   int64              `json:"client_ts_ms"`
	BatteryPct   int                `json:"battery_pct" validate:"gte=0,lte=100"`
	BatteryState models.BatteryState `json:"battery_state"`
	Altitude     *float64           `json:"altitude,omitempty"`
	Bearing      *float64           `json:"bearing,omitempty"`
	Speed        *float64           `json:"speed,omitempty"`
}

func (srv *Server) handleLocationUpdate(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p locationUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed location_update payload")))
		return
	}
	if err := srv.validate.Validate(p); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindBadInput, "location_update payload failed validation", err)))
		return
	}
	if !sock.isMemberOf(p.FamilyID) {
		sock.enqueue(errAck(apperr.New(apperr.KindUnauthorized, "Unauthorized family access")))
		return
	}

	sample := models.LocationSample{
		FamilyID:     p.FamilyID,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		AccuracyM:    p.AccuracyM,
		ClientTSMs:   p.ClientTSMs,
		BatteryPct:   p.BatteryPct,
		BatteryState: p.BatteryState,
		Altitude:     p.Altitude,
		Bearing:      p.Bearing,
		Speed:        p.Speed,
	}

	result, err := srv.location.Ingest(ctx, sock.userID, sample)
	if err != nil {
		sock.enqueue(errAck(err))
		return
	}
	sock.enqueue(okAck(map[string]interface{}{"server_ts_ms": result.ServerTSMs}))
}

type familyIDPayload struct {
	FamilyID string `json:"family_id" validate:"required"`
}

func (srv *Server) handleJoinFamily(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p familyIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || srv.validate.Validate(p) != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed join_family payload")))
		return
	}

	families, err := srv.cache.FamiliesOf(ctx, sock.userID)
	if err != nil {
		sock.enqueue(errAck(err))
		return
	}
	if !containsString(families, p.FamilyID) {
		sock.enqueue(outboundEnvelope{Type: "ack", Data: map[string]interface{}{"success": false, "error": "Unauthorized family access"}})
		return
	}

	srv.joinRoom(sock, p.FamilyID)
	if err := srv.cache.SetOnline(ctx, sock.userID, p.FamilyID); err != nil {
		srv.logger.Warn("gateway: set_online failed", "user_id", sock.userID, "family_id", p.FamilyID, "error", err)
	}
	srv.broadcastPresence(ctx, p.FamilyID, sock.userID, "online", nil)
	sock.enqueue(okAck(map[string]interface{}{"family_id": p.FamilyID}))
}

func (srv *Server) handleLeaveFamily(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p familyIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || srv.validate.Validate(p) != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed leave_family payload")))
		return
	}

	srv.leaveRoom(sock, p.FamilyID)
	if srv.userSocketCountInFamily(sock.userID, p.FamilyID) == 0 {
		if err := srv.cache.ClearOnline(ctx, sock.userID, p.FamilyID); err != nil {
			srv.logger.Warn("gateway: clear_online failed", "user_id", sock.userID, "family_id", p.FamilyID, "error", err)
		}
		srv.broadcastPresence(ctx, p.FamilyID, sock.userID, "offline", nil)
	}
	sock.enqueue(okAck(map[string]interface{}{"family_id": p.FamilyID}))
}

type ghostModePayload struct {
	Enabled  bool   `json:"enabled"`
	Scope    string `json:"scope" validate:"oneof=global family"`
	FamilyID string `json:"family_id,omitempty"`
}

func (srv *Server) handleGhostMode(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p ghostModePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed ghost_mode payload")))
		return
	}
	if err := srv.validate.Validate(p); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindBadInput, "ghost_mode payload failed validation", err)))
		return
	}

	if p.Scope == "family" {
		if p.FamilyID == "" || !sock.isMemberOf(p.FamilyID) {
			sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "family scope requires a joined family_id")))
			return
		}
		if err := srv.privacy.SetFamilyGhost(ctx, sock.userID, p.FamilyID, p.Enabled); err != nil {
			sock.enqueue(errAck(err))
			return
		}
		srv.broadcastRoom(p.FamilyID, outboundEnvelope{Type: "ghost_mode", Data: map[string]interface{}{"user_id": sock.userID, "family_id": p.FamilyID, "enabled": p.Enabled}})
		sock.enqueue(okAck(nil))
		return
	}

	if p.Scope != "global" {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "scope must be global or family")))
		return
	}
	if err := srv.privacy.SetGlobalGhost(ctx, sock.userID, p.Enabled); err != nil {
		sock.enqueue(errAck(err))
		return
	}
	for _, familyID := range sock.familyIDList() {
		srv.broadcastRoom(familyID, outboundEnvelope{Type: "ghost_mode", Data: map[string]interface{}{"user_id": sock.userID, "family_id": familyID, "enabled": p.Enabled}})
	}
	sock.enqueue(okAck(nil))
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
