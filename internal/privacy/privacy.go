// Package privacy is the C4 ghost-mode service: reads and writes per-user
// privacy flags and applies the coordinate-masking transform required
// before a location is ever broadcast.
//
// Grounded on the same Manager-with-injected-collaborators shape as
// internal/cache (askfrank's internal/organisation/manager.go), composing
// a store.Client for the ghost flags and a repository.Tenant for the
// authoritative writes.
package privacy

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math"
	"math/big"

	"familycore/internal/apperr"
	"familycore/internal/cache"
	"familycore/internal/models"
	"familycore/internal/repository"
	"familycore/internal/store"
)

const (
	minDisplacementDeg = 0.005
	maxDisplacementDeg = 0.010
	maskedAccuracyM    = 1000.0
)

// Service is the C4 privacy component.
type Service struct {
	store  *store.Client
	tenant *repository.Tenant
	cache  *cache.Layer
	logger *slog.Logger
}

func New(s *store.Client, tenant *repository.Tenant, c *cache.Layer, logger *slog.Logger) *Service {
	return &Service{store: s, tenant: tenant, cache: c, logger: logger}
}

// IsGhost implements spec §4.4's three-step lookup: global flag, then
// per-family flag, then a repository fallback that also caches the result.
func (s *Service) IsGhost(ctx context.Context, userID, familyID string) (models.GhostStatus, error) {
	if b, err := s.store.Get(ctx, cache.GlobalGhostKey(userID)); err == nil {
		if string(b) == "1" {
			return models.GhostStatus{Enabled: true, Scope: models.GhostScopeGlobal}, nil
		}
	} else if err != store.ErrNotFound {
		s.logger.Warn("privacy: global ghost cache read failed", "user_id", userID, "error", err)
	}

	if b, err := s.store.Get(ctx, cache.FamilyGhostKey(familyID, userID)); err == nil {
		if string(b) == "1" {
			return models.GhostStatus{Enabled: true, Scope: models.GhostScopeFamily}, nil
		}
		return models.GhostStatus{Enabled: false, Scope: models.GhostScopeNone}, nil
	} else if err != store.ErrNotFound {
		s.logger.Warn("privacy: family ghost cache read failed", "user_id", userID, "family_id", familyID, "error", err)
	}

	status, err := s.tenant.IsGhost(ctx, userID, familyID)
	if err != nil {
		return models.GhostStatus{Scope: models.GhostScopeNone}, apperr.Wrap(apperr.KindRepositoryUnavailable, "privacy: is_ghost", err)
	}
	if !status.Enabled {
		return models.GhostStatus{Enabled: false, Scope: models.GhostScopeNone}, nil
	}

	state, err := s.tenant.GhostModesOf(ctx, userID)
	if err != nil {
		return status, nil
	}
	if state.Global {
		s.cacheFlag(ctx, cache.GlobalGhostKey(userID), true)
		return models.GhostStatus{Enabled: true, Scope: models.GhostScopeGlobal}, nil
	}
	s.cacheFlag(ctx, cache.FamilyGhostKey(familyID, userID), true)
	return models.GhostStatus{Enabled: true, Scope: models.GhostScopeFamily}, nil
}

// SetGlobalGhost writes the repository row then the cache flag, per spec
// §4.4.
func (s *Service) SetGlobalGhost(ctx context.Context, userID string, enabled bool) error {
	if err := s.tenant.SetGlobalGhost(ctx, userID, enabled); err != nil {
		return apperr.Wrap(apperr.KindRepositoryUnavailable, "privacy: set_global_ghost", err)
	}
	s.cacheFlag(ctx, cache.GlobalGhostKey(userID), enabled)
	return nil
}

// SetFamilyGhost writes the repository row then the cache flag, per spec
// §4.4.
func (s *Service) SetFamilyGhost(ctx context.Context, userID, familyID string, enabled bool) error {
	if err := s.tenant.SetFamilyGhost(ctx, userID, familyID, enabled); err != nil {
		return apperr.Wrap(apperr.KindRepositoryUnavailable, "privacy: set_family_ghost", err)
	}
	s.cacheFlag(ctx, cache.FamilyGhostKey(familyID, userID), enabled)
	return nil
}

func (s *Service) cacheFlag(ctx context.Context, key string, enabled bool) {
	value := "0"
	if enabled {
		value = "1"
	}
	if err := s.store.Set(ctx, key, value, cache.TTLGhost); err != nil {
		s.logger.Warn("privacy: ghost flag cache write failed", "key", key, "error", err)
	}
}

// InvalidateUserAcrossFamilies drops a user's family-scoped ghost flag for
// each of familyIDs, and the user's global ghost flag.
func (s *Service) InvalidateUserAcrossFamilies(ctx context.Context, userID string, familyIDs []string) {
	for _, familyID := range familyIDs {
		if err := s.store.Del(ctx, cache.FamilyGhostKey(familyID, userID)); err != nil {
			s.logger.Warn("privacy: family ghost invalidate failed", "family_id", familyID, "user_id", userID, "error", err)
		}
	}
	if err := s.store.Del(ctx, cache.GlobalGhostKey(userID)); err != nil {
		s.logger.Warn("privacy: global ghost invalidate failed", "user_id", userID, "error", err)
	}
}

// InvalidateFamilyAcrossMembers drops the family-scoped ghost flag for
// every member, used when a family is deleted.
func (s *Service) InvalidateFamilyAcrossMembers(ctx context.Context, familyID string, members []models.FamilyMember) {
	for _, m := range members {
		if err := s.store.Del(ctx, cache.FamilyGhostKey(familyID, m.UserID)); err != nil {
			s.logger.Warn("privacy: family ghost invalidate failed", "family_id", familyID, "user_id", m.UserID, "error", err)
		}
	}
}

// Mask displaces a location by an isotropic random vector with magnitude in
// [0.005, 0.010] degrees and pins the reported accuracy at 1000 m, per spec
// §4.4 and §9 ("any well-seeded PRNG suffices").
func Mask(sample models.LocationSample) models.LocationSample {
	angle := randFloat() * 2 * math.Pi
	magnitude := minDisplacementDeg + randFloat()*(maxDisplacementDeg-minDisplacementDeg)

	masked := sample
	masked.Latitude = sample.Latitude + magnitude*math.Sin(angle)
	masked.Longitude = sample.Longitude + magnitude*math.Cos(angle)
	masked.AccuracyM = maskedAccuracyM
	return masked
}

// randFloat returns a uniform value in [0, 1) sourced from crypto/rand,
// avoiding a shared math/rand.Source that would need its own locking under
// concurrent publish paths.
func randFloat() float64 {
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(precision)
}
