// C8 event handlers (spec §4.8): each is the composition of (a)
// authorization against the requester's membership set, (b) the matching
// cache invalidation from spec §4.3, (c) the outbound broadcast. Kept as
// methods on Server rather than a separate service per SPEC_FULL.md §6 —
// these verbs are gateway inbound events, not an independently addressable
// component.
package gateway

import (
	"context"
	"encoding/json"

	"familycore/internal/apperr"
	"familycore/internal/models"
)

type userAddedPayload struct {
	FamilyID    string      `json:"family_id" validate:"required"`
	AddedUserID string      `json:"added_user_id" validate:"required"`
	Role        models.Role `json:"role" validate:"required"`
}

func (srv *Server) handleUserAddedToFamily(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p userAddedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed user_added_to_family payload")))
		return
	}
	if err := srv.validate.Validate(p); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindBadInput, "user_added_to_family payload failed validation", err)))
		return
	}
	if !srv.authorizeFamilyMember(ctx, sock, p.FamilyID) {
		return
	}

	if err := srv.admin.AddMember(ctx, p.FamilyID, p.AddedUserID, p.Role, ""); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindRepositoryUnavailable, "add member", err)))
		return
	}
	srv.cache.InvalidateJoin(ctx, p.AddedUserID, p.FamilyID)

	srv.broadcastRoom(p.FamilyID, outboundEnvelope{Type: "family_member_added", Data: map[string]interface{}{
		"family_id": p.FamilyID, "user_id": p.AddedUserID, "role": p.Role,
	}})
	srv.sendToUser(p.AddedUserID, outboundEnvelope{Type: "notification", Data: map[string]interface{}{
		"kind": "added_to_family", "family_id": p.FamilyID,
	}})
	sock.enqueue(okAck(map[string]interface{}{"message": "member added"}))
}

type userRemovedPayload struct {
	FamilyID      string `json:"family_id" validate:"required"`
	RemovedUserID string `json:"removed_user_id" validate:"required"`
}

func (srv *Server) handleUserRemovedFromFamily(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p userRemovedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed user_removed_from_family payload")))
		return
	}
	if err := srv.validate.Validate(p); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindBadInput, "user_removed_from_family payload failed validation", err)))
		return
	}
	if !srv.authorizeFamilyMember(ctx, sock, p.FamilyID) {
		return
	}

	if err := srv.admin.RemoveMember(ctx, p.FamilyID, p.RemovedUserID); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindRepositoryUnavailable, "remove member", err)))
		return
	}
	srv.cache.InvalidateLeave(ctx, p.RemovedUserID, p.FamilyID)

	srv.broadcastRoom(p.FamilyID, outboundEnvelope{Type: "family_member_removed", Data: map[string]interface{}{
		"family_id": p.FamilyID, "user_id": p.RemovedUserID,
	}})
	srv.sendToUser(p.RemovedUserID, outboundEnvelope{Type: "notification", Data: map[string]interface{}{
		"kind": "removed_from_family", "family_id": p.FamilyID,
	}})
	srv.forceLeaveFamily(p.RemovedUserID, p.FamilyID)
	sock.enqueue(okAck(nil))
}

func (srv *Server) handleFamilyDeleted(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p familyIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || srv.validate.Validate(p) != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed family_deleted payload")))
		return
	}
	if !srv.authorizeFamilyMember(ctx, sock, p.FamilyID) {
		return
	}

	members, err := srv.cache.MembersOf(ctx, p.FamilyID)
	if err != nil {
		sock.enqueue(errAck(err))
		return
	}

	if err := srv.admin.DeleteFamily(ctx, p.FamilyID); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindRepositoryUnavailable, "delete family", err)))
		return
	}
	srv.cache.InvalidateFamilyDeleted(ctx, p.FamilyID, members)
	srv.privacy.InvalidateFamilyAcrossMembers(ctx, p.FamilyID, members)

	srv.broadcastRoom(p.FamilyID, outboundEnvelope{Type: "family_deleted", Data: map[string]interface{}{"family_id": p.FamilyID}})
	for _, m := range members {
		srv.forceLeaveFamily(m.UserID, p.FamilyID)
	}
	sock.enqueue(okAck(nil))
}

type memberRoleUpdatedPayload struct {
	FamilyID string      `json:"family_id" validate:"required"`
	UserID   string      `json:"user_id" validate:"required"`
	NewRole  models.Role `json:"new_role" validate:"required"`
}

func (srv *Server) handleMemberRoleUpdated(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p memberRoleUpdatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed member_role_updated payload")))
		return
	}
	if err := srv.validate.Validate(p); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindBadInput, "member_role_updated payload failed validation", err)))
		return
	}
	if !srv.authorizeFamilyMember(ctx, sock, p.FamilyID) {
		return
	}

	if err := srv.admin.UpdateRole(ctx, p.FamilyID, p.UserID, p.NewRole); err != nil {
		sock.enqueue(errAck(apperr.Wrap(apperr.KindRepositoryUnavailable, "update role", err)))
		return
	}
	srv.cache.InvalidateRole(ctx, p.UserID, p.FamilyID)

	srv.broadcastRoom(p.FamilyID, outboundEnvelope{Type: "member_role_updated", Data: map[string]interface{}{
		"family_id": p.FamilyID, "user_id": p.UserID, "new_role": p.NewRole,
	}})
	srv.sendToUser(p.UserID, outboundEnvelope{Type: "notification", Data: map[string]interface{}{
		"kind": "role_updated", "family_id": p.FamilyID, "new_role": p.NewRole,
	}})
	sock.enqueue(okAck(nil))
}

func (srv *Server) handleRefreshFamilyCache(ctx context.Context, sock *Socket, raw json.RawMessage) {
	var p familyIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || srv.validate.Validate(p) != nil {
		sock.enqueue(errAck(apperr.New(apperr.KindBadInput, "malformed refresh_family_cache payload")))
		return
	}
	if !srv.authorizeFamilyMember(ctx, sock, p.FamilyID) {
		return
	}

	if err := srv.cache.RefreshFamily(ctx, p.FamilyID); err != nil {
		sock.enqueue(errAck(err))
		return
	}
	srv.broadcastRoom(p.FamilyID, outboundEnvelope{Type: "cache_refreshed", Data: map[string]interface{}{"family_id": p.FamilyID}})
	sock.enqueue(okAck(nil))
}

// authorizeFamilyMember rejects the request and acks Unauthorized when the
// requesting socket is not joined to familyID.
func (srv *Server) authorizeFamilyMember(ctx context.Context, sock *Socket, familyID string) bool {
	if sock.isMemberOf(familyID) {
		return true
	}
	sock.enqueue(errAck(apperr.New(apperr.KindUnauthorized, "Unauthorized family access")))
	return false
}
