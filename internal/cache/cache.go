// Package cache is the C3 read-through cache layer: it fronts the
// repository's admin handle with a store.Client-backed TTL cache, keeping
// membership, geofence, role, presence, and location lookups off the
// relational record of truth on the hot path.
//
// Grounded on askfrank's internal/organisation/manager.go
// Manager-with-injected-collaborators shape (a manager wraps a repository
// handle and exposes read-through accessors with explicit invalidation
// methods), generalized from organisation membership to family membership.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"familycore/internal/metrics"
	"familycore/internal/models"
	"familycore/internal/repository"
	"familycore/internal/store"
)

const (
	ttlMembership = time.Hour
	ttlGeofence   = time.Hour
	ttlRole       = time.Hour
	ttlLocation   = 5 * time.Minute
	ttlOnline     = 2 * time.Minute

	// TTLGhost is exported: the privacy service writes ghost flags directly
	// through store.Client rather than through this cache's own accessors.
	TTLGhost = 30 * 24 * time.Hour
)

// Layer is the C3 cache. enabled=false degrades every read straight to the
// admin repository handle (LastLocation reports a miss) and turns
// SetLastLocation/SetOnline/ClearOnline and getter writeback into no-ops, per
// spec §4.3's single feature flag; the Invalidate* methods still delete
// their keys.
type Layer struct {
	store   *store.Client
	admin   *repository.Admin
	logger  *slog.Logger
	enabled bool
}

func New(s *store.Client, admin *repository.Admin, logger *slog.Logger, enabled bool) *Layer {
	return &Layer{store: s, admin: admin, logger: logger, enabled: enabled}
}

func membersKey(familyID string) string        { return fmt.Sprintf("family:%s:members", familyID) }
func familiesKey(userID string) string          { return fmt.Sprintf("user:%s:families", userID) }
func geofenceKey(familyID string) string        { return fmt.Sprintf("geofence:%s", familyID) }
func roleKey(userID, familyID string) string    { return fmt.Sprintf("user:%s:family:%s:role", userID, familyID) }
func locationKey(userID, familyID string) string {
	return fmt.Sprintf("user:%s:family:%s:last_location", userID, familyID)
}
func onlineKey(userID, familyID string) string {
	return fmt.Sprintf("user:%s:family:%s:online", userID, familyID)
}

// GlobalGhostKey and FamilyGhostKey are exported: the privacy service reads
// and writes ghost flags directly against the same store.Client rather than
// through this cache's typed accessors, since ghost-mode has its own
// read/write policy (C4 owns that logic per spec §4.4).
func GlobalGhostKey(userID string) string { return fmt.Sprintf("ghost:global:%s", userID) }
func FamilyGhostKey(familyID, userID string) string {
	return fmt.Sprintf("ghost:family:%s:%s", familyID, userID)
}

// MembersOf returns family's membership list, read-through cached.
func (l *Layer) MembersOf(ctx context.Context, familyID string) ([]models.FamilyMember, error) {
	key := membersKey(familyID)
	if l.enabled {
		var cached []models.FamilyMember
		hit, err := l.store.GetJSON(ctx, key, &cached)
		if err == nil && hit {
			metrics.CacheHits.Add(1)
			return cached, nil
		}
		metrics.CacheMisses.Add(1)
	}

	members, err := l.admin.MembersOf(ctx, familyID)
	if err != nil {
		l.logger.Warn("cache: members_of repository miss", "family_id", familyID, "error", err)
		return nil, nil
	}

	if l.enabled && members != nil {
		if err := l.store.Set(ctx, key, members, ttlMembership); err != nil {
			l.logger.Warn("cache: members_of writeback failed", "family_id", familyID, "error", err)
		}
	}
	return members, nil
}

// FamiliesOf returns the family IDs a user belongs to, read-through cached.
func (l *Layer) FamiliesOf(ctx context.Context, userID string) ([]string, error) {
	key := familiesKey(userID)
	if l.enabled {
		var cached []string
		hit, err := l.store.GetJSON(ctx, key, &cached)
		if err == nil && hit {
			metrics.CacheHits.Add(1)
			return cached, nil
		}
		metrics.CacheMisses.Add(1)
	}

	families, err := l.admin.FamiliesOf(ctx, userID)
	if err != nil {
		l.logger.Warn("cache: families_of repository miss", "user_id", userID, "error", err)
		return nil, nil
	}

	if l.enabled && families != nil {
		if err := l.store.Set(ctx, key, families, ttlMembership); err != nil {
			l.logger.Warn("cache: families_of writeback failed", "user_id", userID, "error", err)
		}
	}
	return families, nil
}

// RoleOf returns a user's role within a family, read-through cached.
func (l *Layer) RoleOf(ctx context.Context, userID, familyID string) (models.Role, error) {
	key := roleKey(userID, familyID)
	if l.enabled {
		if b, err := l.store.Get(ctx, key); err == nil {
			metrics.CacheHits.Add(1)
			return models.Role(b), nil
		}
		metrics.CacheMisses.Add(1)
	}

	role, err := l.admin.RoleOf(ctx, userID, familyID)
	if err != nil {
		l.logger.Warn("cache: role_of repository miss", "user_id", userID, "family_id", familyID, "error", err)
		return "", nil
	}

	if l.enabled && role != "" {
		if err := l.store.Set(ctx, key, string(role), ttlRole); err != nil {
			l.logger.Warn("cache: role_of writeback failed", "user_id", userID, "family_id", familyID, "error", err)
		}
	}
	return role, nil
}

// GeofencesOf returns a family's enabled geofences, read-through cached.
func (l *Layer) GeofencesOf(ctx context.Context, familyID string) ([]models.Geofence, error) {
	key := geofenceKey(familyID)
	if l.enabled {
		var cached []models.Geofence
		hit, err := l.store.GetJSON(ctx, key, &cached)
		if err == nil && hit {
			metrics.CacheHits.Add(1)
			return cached, nil
		}
		metrics.CacheMisses.Add(1)
	}

	fences, err := l.admin.GeofencesOf(ctx, familyID)
	if err != nil {
		l.logger.Warn("cache: geofences_of repository miss", "family_id", familyID, "error", err)
		return nil, nil
	}

	if l.enabled && fences != nil {
		if err := l.store.Set(ctx, key, fences, ttlGeofence); err != nil {
			l.logger.Warn("cache: geofences_of writeback failed", "family_id", familyID, "error", err)
		}
	}
	return fences, nil
}

// SetLastLocation writes the 5-minute latest-location entry. Not
// read-through: C5 is the sole writer, callers read it via LastLocation.
func (l *Layer) SetLastLocation(ctx context.Context, userID, familyID string, sample models.LocationSample) error {
	if !l.enabled {
		return nil
	}
	return l.store.Set(ctx, locationKey(userID, familyID), sample, ttlLocation)
}

// LastLocation returns the cached latest sample for (userID, familyID), or
// ok=false if absent — the caller (C5.all_current) omits rather than
// synthesizes missing entries, per spec §4.5.
func (l *Layer) LastLocation(ctx context.Context, userID, familyID string) (models.LocationSample, bool) {
	if !l.enabled {
		return models.LocationSample{}, false
	}
	var sample models.LocationSample
	hit, err := l.store.GetJSON(ctx, locationKey(userID, familyID), &sample)
	if err != nil || !hit {
		return models.LocationSample{}, false
	}
	return sample, true
}

// SetOnline marks (userID, familyID) online with the 2-minute heartbeat TTL.
func (l *Layer) SetOnline(ctx context.Context, userID, familyID string) error {
	if !l.enabled {
		return nil
	}
	return l.store.Set(ctx, onlineKey(userID, familyID), "1", ttlOnline)
}

// ClearOnline removes the online marker.
func (l *Layer) ClearOnline(ctx context.Context, userID, familyID string) error {
	if !l.enabled {
		return nil
	}
	return l.store.Del(ctx, onlineKey(userID, familyID))
}

// InvalidateJoin drops the caches spec §4.3 names for "user joins family".
func (l *Layer) InvalidateJoin(ctx context.Context, userID, familyID string) {
	l.del(ctx, familiesKey(userID))
	l.del(ctx, membersKey(familyID))
}

// InvalidateLeave drops the caches spec §4.3 names for "user leaves family".
func (l *Layer) InvalidateLeave(ctx context.Context, userID, familyID string) {
	l.del(ctx, familiesKey(userID))
	l.del(ctx, membersKey(familyID))
	l.del(ctx, roleKey(userID, familyID))
	l.del(ctx, locationKey(userID, familyID))
	l.del(ctx, onlineKey(userID, familyID))
}

// InvalidateFamilyDeleted drops every cache entry spec §4.3 names for
// "family deleted", given the family's member list snapshotted before
// deletion.
func (l *Layer) InvalidateFamilyDeleted(ctx context.Context, familyID string, members []models.FamilyMember) {
	l.del(ctx, membersKey(familyID))
	l.del(ctx, geofenceKey(familyID))
	for _, m := range members {
		l.del(ctx, roleKey(m.UserID, familyID))
		l.del(ctx, locationKey(m.UserID, familyID))
		l.del(ctx, onlineKey(m.UserID, familyID))
		l.del(ctx, familiesKey(m.UserID))
		l.del(ctx, FamilyGhostKey(familyID, m.UserID))
	}
}

// InvalidateUserDeleted drops every cache entry spec §4.3 names for "user
// deleted", given the families the user belonged to before deletion.
func (l *Layer) InvalidateUserDeleted(ctx context.Context, userID string, familyIDs []string) {
	l.del(ctx, familiesKey(userID))
	for _, familyID := range familyIDs {
		l.del(ctx, roleKey(userID, familyID))
		l.del(ctx, locationKey(userID, familyID))
		l.del(ctx, onlineKey(userID, familyID))
		l.del(ctx, FamilyGhostKey(familyID, userID))
		l.del(ctx, membersKey(familyID))
	}
	l.del(ctx, GlobalGhostKey(userID))
}

// InvalidateRole drops a single member's cached role, used by
// member_role_updated (spec §4.6) which invalidates only that one key.
func (l *Layer) InvalidateRole(ctx context.Context, userID, familyID string) {
	l.del(ctx, roleKey(userID, familyID))
}

// RefreshFamily invalidates then re-populates a family's member and
// geofence caches — the "update" flavor spec §4.3 calls for when a caller
// wants fresh data immediately (the refresh_family_cache verb).
func (l *Layer) RefreshFamily(ctx context.Context, familyID string) error {
	l.del(ctx, membersKey(familyID))
	l.del(ctx, geofenceKey(familyID))
	if _, err := l.MembersOf(ctx, familyID); err != nil {
		return err
	}
	if _, err := l.GeofencesOf(ctx, familyID); err != nil {
		return err
	}
	return nil
}

func (l *Layer) del(ctx context.Context, key string) {
	if err := l.store.Del(ctx, key); err != nil {
		l.logger.Warn("cache: invalidate failed", "key", key, "error", err)
	}
}
