package location_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"familycore/internal/cache"
	"familycore/internal/config"
	"familycore/internal/location"
	"familycore/internal/models"
	"familycore/internal/privacy"
	"familycore/internal/repository"
	"familycore/internal/store"
)

func newTestService(t *testing.T) *location.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.New(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 5}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tenant, admin, err := repository.New(context.Background(), "", "", logger)
	require.NoError(t, err)

	c := cache.New(s, admin, logger, true)
	p := privacy.New(s, tenant, c, logger)
	return location.New(s, c, p, logger)
}

func TestIngestStampsServerTimestampAndAppends(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, "u1", models.LocationSample{
		FamilyID: "f1", Latitude: 1, Longitude: 2, AccuracyM: 5, ClientTSMs: 100, BatteryPct: 80,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.MessageID)
	require.Greater(t, result.ServerTSMs, int64(0))
}

func TestIngestThenHistoryRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "u1", models.LocationSample{FamilyID: "f1", Latitude: 1, Longitude: 1, ClientTSMs: 1})
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, "u2", models.LocationSample{FamilyID: "f1", Latitude: 2, Longitude: 2, ClientTSMs: 2})
	require.NoError(t, err)

	all, _, err := svc.History(ctx, "f1", "", 10, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	onlyU1, _, err := svc.History(ctx, "f1", "u1", 10, "")
	require.NoError(t, err)
	require.Len(t, onlyU1, 1)
	require.Equal(t, "u1", onlyU1[0].UserID)
}

func TestIngestThenAllCurrentEmptyWithoutMembers(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "u1", models.LocationSample{FamilyID: "f1", Latitude: 9, Longitude: 8, ClientTSMs: 1})
	require.NoError(t, err)

	current, err := svc.AllCurrent(ctx, "f1")
	require.NoError(t, err)
	// members_of falls through to an empty list (no repository configured
	// in this test), so all_current has no membership to iterate over even
	// though a location was cached — matches the "resolve via membership
	// first" contract.
	require.Empty(t, current)
}

func TestHistoryEmptyFamilyReturnsEmpty(t *testing.T) {
	svc := newTestService(t)
	entries, lastID, err := svc.History(context.Background(), "no-such-family", "", 10, "")
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, "-", lastID)
}
