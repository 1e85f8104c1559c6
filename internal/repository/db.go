// Package repository is the C2 repository adapter: typed queries against the
// relational record of truth (users, memberships, ghost-mode flags,
// geofences). Two handle types are exposed, per spec §4.2 — Tenant enforces
// row-level authorization at the call site (used for user-initiated writes),
// Admin bypasses it (used for the fan-out queries the cache layer issues on
// behalf of a whole family).
//
// Grounded on the teacher's database/sql wrapper (internal/database/db.go)
// and its repository interface/postgres implementation
// (internal/repository/interface.go, postgres_repository.go), generalized
// from user/registration tables to family/membership/geofence/ghost tables.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// DB wraps *sql.DB with the connection-pool tuning the teacher applies to
// its own Postgres handle.
type DB struct {
	*sql.DB
}

func openDB(ctx context.Context, dsn string) (DB, error) {
	if dsn == "" {
		return DB{}, nil
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return DB{}, fmt.Errorf("repository: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return DB{}, fmt.Errorf("repository: ping: %w", err)
	}

	return DB{DB: db}, nil
}

// ErrNotConfigured is returned by write operations (and Migrate) when the
// handle has no DSN configured. Read queries on such a handle do not return
// it: they return an empty result with a nil error.
var ErrNotConfigured = fmt.Errorf("repository: not configured")

func (d DB) configured() bool { return d.DB != nil }

// logQueryError logs a query failure without leaking driver-specific detail
// into caller error chains beyond what fmt.Errorf's %w already carries.
func logQueryError(logger *slog.Logger, op string, err error) {
	if logger != nil {
		logger.Warn("repository query failed", "op", op, "error", err)
	}
}
