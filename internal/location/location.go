// Package location is the C5 location service: validates a position
// sample, appends it to the per-family durable log, refreshes the
// latest-location cache, and publishes the fan-out message.
//
// Grounded on the same Manager shape as internal/cache and
// internal/privacy; the log-then-cache-then-publish sequencing follows
// spec §4.5 exactly, including its partial-failure contract (log append is
// the durable "success", cache/publish failures are logged only).
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"familycore/internal/apperr"
	"familycore/internal/cache"
	"familycore/internal/metrics"
	"familycore/internal/models"
	"familycore/internal/privacy"
	"familycore/internal/store"
)

// Service is the C5 location component.
type Service struct {
	store   *store.Client
	cache   *cache.Layer
	privacy *privacy.Service
	logger  *slog.Logger
}

func New(s *store.Client, c *cache.Layer, p *privacy.Service, logger *slog.Logger) *Service {
	return &Service{store: s, cache: c, privacy: p, logger: logger}
}

func logKey(familyID string) string { return fmt.Sprintf("locations:family:%s", familyID) }

// IngestResult is the ack payload for a successful ingest.
type IngestResult struct {
	MessageID  string `json:"message_id"`
	ServerTSMs int64  `json:"server_ts_ms"`
}

// LocationUpdateEvent is the payload published on "family:<fid>:location".
type LocationUpdateEvent struct {
	Type       string  `json:"type"`
	UserID     string  `json:"user_id"`
	FamilyID   string  `json:"family_id"`
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lon"`
	AccuracyM  float64 `json:"accuracy"`
	ClientTSMs int64   `json:"client_ts_ms"`
	BatteryPct int     `json:"battery_pct"`
}

// Ingest implements spec §4.5 `ingest`. The durable append (step 2) is the
// success contract: cache and publish failures (steps 3-4) are logged and
// swallowed.
func (s *Service) Ingest(ctx context.Context, userID string, sample models.LocationSample) (IngestResult, error) {
	sample.UserID = userID
	sample.ServerTSMs = time.Now().UnixMilli()

	fields := map[string]string{
		"user_id":          sample.UserID,
		"family_id":        sample.FamilyID,
		"latitude":         strconv.FormatFloat(sample.Latitude, 'f', -1, 64),
		"longitude":        strconv.FormatFloat(sample.Longitude, 'f', -1, 64),
		"accuracy":         strconv.FormatFloat(sample.AccuracyM, 'f', -1, 64),
		"timestamp":        strconv.FormatInt(sample.ClientTSMs, 10),
		"battery_level":    strconv.Itoa(sample.BatteryPct),
		"server_timestamp": strconv.FormatInt(sample.ServerTSMs, 10),
	}
	if sample.BatteryState != "" {
		fields["battery_state"] = string(sample.BatteryState)
	}
	if sample.Altitude != nil {
		fields["altitude"] = strconv.FormatFloat(*sample.Altitude, 'f', -1, 64)
	}
	if sample.Bearing != nil {
		fields["bearing"] = strconv.FormatFloat(*sample.Bearing, 'f', -1, 64)
	}
	if sample.Speed != nil {
		fields["speed"] = strconv.FormatFloat(*sample.Speed, 'f', -1, 64)
	}

	id, err := s.store.Append(ctx, logKey(sample.FamilyID), fields)
	if err != nil {
		return IngestResult{}, apperr.Wrap(apperr.KindTransientBackend, "location: ingest append", err)
	}

	if err := s.cache.SetLastLocation(ctx, userID, sample.FamilyID, sample); err != nil {
		s.logger.Warn("location: last_location cache write failed", "user_id", userID, "family_id", sample.FamilyID, "error", err)
	}

	s.publish(ctx, sample)
	metrics.LocationsIngested.Add(1)

	return IngestResult{MessageID: id, ServerTSMs: sample.ServerTSMs}, nil
}

// publish applies ghost-mode masking (I3: evaluated at the publisher) and
// fires the location_update event to the family's room channel.
func (s *Service) publish(ctx context.Context, sample models.LocationSample) {
	outbound := sample
	status, err := s.privacy.IsGhost(ctx, sample.UserID, sample.FamilyID)
	if err != nil {
		s.logger.Warn("location: ghost check failed, publishing masked as a precaution", "user_id", sample.UserID, "error", err)
		outbound = privacy.Mask(sample)
	} else if status.Enabled {
		outbound = privacy.Mask(sample)
	}

	event := LocationUpdateEvent{
		Type:       "location_update",
		UserID:     outbound.UserID,
		FamilyID:   outbound.FamilyID,
		Latitude:   outbound.Latitude,
		Longitude:  outbound.Longitude,
		AccuracyM:  outbound.AccuracyM,
		ClientTSMs: outbound.ClientTSMs,
		BatteryPct: outbound.BatteryPct,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("location: publish encode failed", "error", err)
		return
	}
	channel := fmt.Sprintf("family:%s:location", sample.FamilyID)
	if err := s.store.Publish(ctx, channel, payload); err != nil {
		s.logger.Warn("location: publish failed", "channel", channel, "error", err)
	}
}

// History implements spec §4.5 `history`.
func (s *Service) History(ctx context.Context, familyID, userID string, limit int, afterID string) ([]models.LocationSample, string, error) {
	if limit <= 0 {
		limit = 100
	}
	if afterID == "" {
		afterID = "-"
	}

	entries, err := s.store.ReadLog(ctx, logKey(familyID), afterID, int64(limit))
	if err != nil {
		return nil, afterID, apperr.Wrap(apperr.KindTransientBackend, "location: history", err)
	}

	var out []models.LocationSample
	lastID := afterID
	for _, e := range entries {
		lastID = e.ID
		if userID != "" && e.Fields["user_id"] != userID {
			continue
		}
		out = append(out, decodeSample(e))
	}
	return out, lastID, nil
}

func decodeSample(e models.LogEntry) models.LocationSample {
	sample := models.LocationSample{
		UserID:       e.Fields["user_id"],
		FamilyID:     e.Fields["family_id"],
		Latitude:     parseFloat(e.Fields["latitude"]),
		Longitude:    parseFloat(e.Fields["longitude"]),
		AccuracyM:    parseFloat(e.Fields["accuracy"]),
		ClientTSMs:   parseInt(e.Fields["timestamp"]),
		BatteryPct:   100,
		ServerTSMs:   parseInt(e.Fields["server_timestamp"]),
		BatteryState: models.BatteryState(e.Fields["battery_state"]),
	}
	if v, ok := e.Fields["battery_level"]; ok {
		sample.BatteryPct = int(parseInt(v))
	}
	if v, ok := e.Fields["altitude"]; ok {
		f := parseFloat(v)
		sample.Altitude = &f
	}
	if v, ok := e.Fields["bearing"]; ok {
		f := parseFloat(v)
		sample.Bearing = &f
	}
	if v, ok := e.Fields["speed"]; ok {
		f := parseFloat(v)
		sample.Speed = &f
	}
	return sample
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// AllCurrent implements spec §4.5 `all_current`: resolves membership via
// C3, then looks up each member's latest cached location. Missing entries
// are omitted, never synthesized.
func (s *Service) AllCurrent(ctx context.Context, familyID string) ([]models.LocationSample, error) {
	members, err := s.cache.MembersOf(ctx, familyID)
	if err != nil {
		return nil, err
	}

	var out []models.LocationSample
	for _, m := range members {
		sample, ok := s.cache.LastLocation(ctx, m.UserID, familyID)
		if !ok {
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}
