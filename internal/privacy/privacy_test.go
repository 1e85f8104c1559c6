package privacy_test

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"familycore/internal/cache"
	"familycore/internal/config"
	"familycore/internal/models"
	"familycore/internal/privacy"
	"familycore/internal/repository"
	"familycore/internal/store"
)

func newTestService(t *testing.T) (*privacy.Service, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.New(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 5}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tenant, admin, err := repository.New(context.Background(), "", "", logger)
	require.NoError(t, err)

	c := cache.New(s, admin, logger, true)
	return privacy.New(s, tenant, c, logger), s
}

func TestIsGhostDefaultsToDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	status, err := svc.IsGhost(context.Background(), "u1", "f1")
	require.NoError(t, err)
	require.False(t, status.Enabled)
	require.Equal(t, models.GhostScopeNone, status.Scope)
}

func TestSetGlobalGhostThenIsGhost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetGlobalGhost(ctx, "u1", true))

	status, err := svc.IsGhost(ctx, "u1", "any-family")
	require.NoError(t, err)
	require.True(t, status.Enabled)
	require.Equal(t, models.GhostScopeGlobal, status.Scope)
}

func TestSetFamilyGhostScopesToThatFamilyOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetFamilyGhost(ctx, "u1", "f1", true))

	status, err := svc.IsGhost(ctx, "u1", "f1")
	require.NoError(t, err)
	require.True(t, status.Enabled)
	require.Equal(t, models.GhostScopeFamily, status.Scope)

	status, err = svc.IsGhost(ctx, "u1", "f2")
	require.NoError(t, err)
	require.False(t, status.Enabled)
}

func TestMaskDisplacesWithinBounds(t *testing.T) {
	original := models.LocationSample{Latitude: 40.0, Longitude: -73.0, AccuracyM: 5}

	for i := 0; i < 200; i++ {
		masked := privacy.Mask(original)
		require.Equal(t, 1000.0, masked.AccuracyM)

		dLat := masked.Latitude - original.Latitude
		dLon := masked.Longitude - original.Longitude
		magnitude := math.Hypot(dLat, dLon)
		require.GreaterOrEqual(t, magnitude, 0.005-1e-9)
		require.LessOrEqual(t, magnitude, 0.010+1e-9)
	}
}

func TestMaskNeverReturnsOriginalCoordinates(t *testing.T) {
	original := models.LocationSample{Latitude: 10, Longitude: 10}
	masked := privacy.Mask(original)
	require.NotEqual(t, original.Latitude, masked.Latitude)
	require.NotEqual(t, original.Longitude, masked.Longitude)
}
