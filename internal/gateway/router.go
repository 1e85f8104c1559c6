package gateway

import "encoding/json"

// The following three methods implement bus.Router without gateway
// importing internal/bus, per SPEC_FULL.md §6's C7 wiring note.

// RouteFamilyLocation forwards a location_update published on
// "family:<fid>:location" to every local socket in that family's room.
func (srv *Server) RouteFamilyLocation(familyID string, payload []byte) {
	srv.broadcastRoom(familyID, decodeBusEvent(payload, "location_update"))
}

// RouteFamilyAlert forwards a geofence_alert (or any other alert) published
// on "family:<fid>:alerts" to that family's room.
func (srv *Server) RouteFamilyAlert(familyID string, payload []byte) {
	srv.broadcastRoom(familyID, decodeBusEvent(payload, "geofence_alert"))
}

// RouteUserNotification forwards a notification published on
// "user:<uid>:notifications" to all of that user's connected sockets.
func (srv *Server) RouteUserNotification(userID string, payload []byte) {
	srv.sendToUser(userID, decodeBusEvent(payload, "notification"))
}

// decodeBusEvent unwraps a publish payload into an outboundEnvelope. Two
// wire shapes reach here: already-enveloped ({"type":..., "data":{...}},
// as broadcastPresence publishes) and flat structs (a location_update's
// {type, user_id, family_id, lat, lon, ...}, per spec.md:149). The flat
// case keeps its own "type" as the envelope Type (fallbackType is used only
// when the payload has none), and that key is stripped out of Data so it
// isn't duplicated one level down.
func decodeBusEvent(payload []byte, fallbackType string) outboundEnvelope {
	var probe struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Type != "" {
		if len(probe.Data) > 0 {
			var data interface{}
			_ = json.Unmarshal(probe.Data, &data)
			return outboundEnvelope{Type: probe.Type, Data: data}
		}
		return outboundEnvelope{Type: probe.Type, Data: flatDataWithoutType(payload)}
	}

	return outboundEnvelope{Type: fallbackType, Data: flatDataWithoutType(payload)}
}

// flatDataWithoutType decodes payload into a map and removes its "type"
// key, if present, so a flat struct's own type tag isn't nested inside
// the outbound envelope's Data alongside the envelope's own Type field.
func flatDataWithoutType(payload []byte) interface{} {
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		var fallback interface{}
		_ = json.Unmarshal(payload, &fallback)
		return fallback
	}
	delete(data, "type")
	return data
}
