package repository

import (
	"context"
	"fmt"
)

// Migrate creates the tables the core reads and writes, if absent. Grounded
// on postgres_repository.go's idempotent `CREATE TABLE IF NOT EXISTS` style.
// A real deployment may instead run these as versioned migrations; this
// method exists so the admin handle is self-sufficient in a fresh
// environment (tests, local dev).
func (a *Admin) Migrate(ctx context.Context) error {
	if !a.db.configured() {
		return ErrNotConfigured
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS families (
			id UUID PRIMARY KEY,
			name VARCHAR(200) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			family_id UUID NOT NULL REFERENCES families(id),
			user_id VARCHAR(200) NOT NULL,
			role VARCHAR(20) NOT NULL,
			display_name VARCHAR(200) NOT NULL DEFAULT '',
			avatar VARCHAR(500) NOT NULL DEFAULT '',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (family_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS geofences (
			id UUID PRIMARY KEY,
			family_id UUID NOT NULL REFERENCES families(id),
			name VARCHAR(200) NOT NULL,
			center_lat DOUBLE PRECISION NOT NULL,
			center_lon DOUBLE PRECISION NOT NULL,
			radius_m DOUBLE PRECISION NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS ghost_global (
			user_id VARCHAR(200) PRIMARY KEY,
			enabled BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ghost_family (
			family_id UUID NOT NULL REFERENCES families(id),
			user_id VARCHAR(200) NOT NULL,
			enabled BOOLEAN NOT NULL,
			PRIMARY KEY (family_id, user_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: migrate: %w", err)
		}
	}
	return nil
}
