package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"familycore/internal/auth"
	"familycore/internal/cache"
	"familycore/internal/config"
	"familycore/internal/location"
	"familycore/internal/privacy"
	"familycore/internal/repository"
	"familycore/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.New(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 5}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tenant, admin, err := repository.New(context.Background(), "", "", logger)
	require.NoError(t, err)

	cacheLayer := cache.New(s, admin, logger, true)
	privacyService := privacy.New(s, tenant, cacheLayer, logger)
	locationService := location.New(s, cacheLayer, privacyService, logger)
	verifier := &fakeVerifier{}

	srv := New(verifier, cacheLayer, privacyService, locationService, admin, s, logger)
	return srv, s
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (auth.Claims, error) { return auth.Claims{}, nil }

// registeredSocket builds a Socket bypassing Serve's websocket handshake,
// joins it to every family in familyIDs, and registers it under userID —
// mirroring what Serve does between authentication and readLoop.
func registeredSocket(srv *Server, userID string, familyIDs ...string) *Socket {
	sock := newSocket(nil, srv.logger)
	sock.userID = userID
	sock.setState(stateOpen)
	for _, fid := range familyIDs {
		srv.joinRoom(sock, fid)
	}
	srv.registerUser(sock)
	return sock
}

func onlineKeyFor(userID, familyID string) string {
	return fmt.Sprintf("user:%s:family:%s:online", userID, familyID)
}

func TestDisconnectIsScopedPerFamilyNotPerUser(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	// u1 has two sockets: one joined only to fA, one joined only to fB.
	sockA := registeredSocket(srv, "u1", "fA")
	sockB := registeredSocket(srv, "u1", "fB")

	require.NoError(t, srv.cache.SetOnline(ctx, "u1", "fA"))
	require.NoError(t, srv.cache.SetOnline(ctx, "u1", "fB"))

	// Drain any presence broadcasts so they don't block enqueue on sockB's
	// buffered channel later in the test.
	go func() {
		for range sockA.send {
		}
	}()
	go func() {
		for range sockB.send {
		}
	}()

	srv.disconnect(ctx, sockA)

	// fA loses its only socket for u1: online cleared, offline broadcast sent.
	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, onlineKeyFor("u1", "fA"))
		return err == store.ErrNotFound
	}, time.Second, 10*time.Millisecond, "fA online marker should be cleared")

	// fB still has sockB open for u1: online marker must be untouched.
	_, err := s.Get(ctx, onlineKeyFor("u1", "fB"))
	require.NoError(t, err, "fB online marker must survive sockA's disconnect")

	require.Equal(t, 0, srv.userSocketCountInFamily("u1", "fA"))
	require.Equal(t, 1, srv.userSocketCountInFamily("u1", "fB"))
}

func TestDisconnectLastSocketClearsAllJoinedFamilies(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	// A single socket joined to two families at once; closing it is the
	// last-socket transition for both.
	sock := registeredSocket(srv, "u2", "fC", "fD")
	require.NoError(t, srv.cache.SetOnline(ctx, "u2", "fC"))
	require.NoError(t, srv.cache.SetOnline(ctx, "u2", "fD"))

	go func() {
		for range sock.send {
		}
	}()

	srv.disconnect(ctx, sock)

	require.Eventually(t, func() bool {
		_, errC := s.Get(ctx, onlineKeyFor("u2", "fC"))
		_, errD := s.Get(ctx, onlineKeyFor("u2", "fD"))
		return errC == store.ErrNotFound && errD == store.ErrNotFound
	}, time.Second, 10*time.Millisecond, "both families should have their online markers cleared")

	require.Equal(t, 0, srv.userSocketCountInFamily("u2", "fC"))
	require.Equal(t, 0, srv.userSocketCountInFamily("u2", "fD"))
}

func TestDisconnectRemovesSocketFromRoomAndUserMaps(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	sock := registeredSocket(srv, "u3", "fE")
	go func() {
		for range sock.send {
		}
	}()

	srv.disconnect(ctx, sock)

	srv.roomsMu.RLock()
	_, roomExists := srv.rooms["fE"]
	srv.roomsMu.RUnlock()
	require.False(t, roomExists, "empty room should be pruned")

	srv.usersMu.RLock()
	_, userExists := srv.users["u3"]
	srv.usersMu.RUnlock()
	require.False(t, userExists, "user with no remaining sockets should be pruned")
}
