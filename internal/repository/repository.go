package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"familycore/internal/models"
)

// Admin is the repository handle that bypasses row-level authorization. It
// serves the cache layer's read-through queries (members_of, families_of,
// role_of, geofences_of) and the membership writes of the gateway's event
// handlers.
type Admin struct {
	db     DB
	logger *slog.Logger
}

// Tenant is the repository handle used for operations initiated by a
// specific user: every ghost-mode write/read (spec §4.2).
type Tenant struct {
	db     DB
	logger *slog.Logger
}

// New opens both handles. adminDSN may equal tenantDSN — the distinction
// between the two is structural (which authorization policy applies to the
// query), not necessarily two physical databases.
func New(ctx context.Context, tenantDSN, adminDSN string, logger *slog.Logger) (*Tenant, *Admin, error) {
	tenantDB, err := openDB(ctx, tenantDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("repository: tenant handle: %w", err)
	}
	adminDB, err := openDB(ctx, adminDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("repository: admin handle: %w", err)
	}
	return &Tenant{db: tenantDB, logger: logger}, &Admin{db: adminDB, logger: logger}, nil
}

// MembersOf returns the family's membership list, or an empty list with a
// nil error if the record of truth is not configured or the query fails —
// never a fabricated result.
func (a *Admin) MembersOf(ctx context.Context, familyID string) ([]models.FamilyMember, error) {
	if !a.db.configured() {
		return nil, nil
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT user_id, role, display_name, avatar, joined_at
		FROM memberships WHERE family_id = $1
		ORDER BY joined_at ASC`, familyID)
	if err != nil {
		logQueryError(a.logger, "members_of", err)
		return nil, nil
	}
	defer rows.Close()

	var out []models.FamilyMember
	for rows.Next() {
		var m models.FamilyMember
		if err := rows.Scan(&m.UserID, &m.Role, &m.DisplayName, &m.Avatar, &m.JoinedAt); err != nil {
			logQueryError(a.logger, "members_of scan", err)
			return nil, nil
		}
		out = append(out, m)
	}
	return out, nil
}

// FamiliesOf returns the IDs of every family the user belongs to.
func (a *Admin) FamiliesOf(ctx context.Context, userID string) ([]string, error) {
	if !a.db.configured() {
		return nil, nil
	}

	rows, err := a.db.QueryContext(ctx, `SELECT family_id FROM memberships WHERE user_id = $1`, userID)
	if err != nil {
		logQueryError(a.logger, "families_of", err)
		return nil, nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			logQueryError(a.logger, "families_of scan", err)
			return nil, nil
		}
		out = append(out, id)
	}
	return out, nil
}

// RoleOf returns the user's role within family, or "" if absent.
func (a *Admin) RoleOf(ctx context.Context, userID, familyID string) (models.Role, error) {
	if !a.db.configured() {
		return "", nil
	}

	var role string
	err := a.db.QueryRowContext(ctx, `SELECT role FROM memberships WHERE user_id = $1 AND family_id = $2`, userID, familyID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		logQueryError(a.logger, "role_of", err)
		return "", nil
	}
	return models.Role(role), nil
}

// GeofencesOf returns family's enabled geofences.
func (a *Admin) GeofencesOf(ctx context.Context, familyID string) ([]models.Geofence, error) {
	if !a.db.configured() {
		return nil, nil
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, family_id, name, center_lat, center_lon, radius_m, enabled
		FROM geofences WHERE family_id = $1 AND enabled = true`, familyID)
	if err != nil {
		logQueryError(a.logger, "geofences_of", err)
		return nil, nil
	}
	defer rows.Close()

	var out []models.Geofence
	for rows.Next() {
		var g models.Geofence
		if err := rows.Scan(&g.ID, &g.FamilyID, &g.Name, &g.CenterLat, &g.CenterLon, &g.RadiusM, &g.Enabled); err != nil {
			logQueryError(a.logger, "geofences_of scan", err)
			return nil, nil
		}
		out = append(out, g)
	}
	return out, nil
}

// AddMember inserts a new membership row (used by the gateway's
// user_added_to_family handler).
func (a *Admin) AddMember(ctx context.Context, familyID, userID string, role models.Role, displayName string) error {
	if !a.db.configured() {
		return ErrNotConfigured
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO memberships (family_id, user_id, role, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (family_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		familyID, userID, string(role), displayName)
	if err != nil {
		return fmt.Errorf("repository: add_member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership row.
func (a *Admin) RemoveMember(ctx context.Context, familyID, userID string) error {
	if !a.db.configured() {
		return ErrNotConfigured
	}
	_, err := a.db.ExecContext(ctx, `DELETE FROM memberships WHERE family_id = $1 AND user_id = $2`, familyID, userID)
	if err != nil {
		return fmt.Errorf("repository: remove_member: %w", err)
	}
	return nil
}

// UpdateRole changes a member's role.
func (a *Admin) UpdateRole(ctx context.Context, familyID, userID string, role models.Role) error {
	if !a.db.configured() {
		return ErrNotConfigured
	}
	_, err := a.db.ExecContext(ctx, `UPDATE memberships SET role = $1 WHERE family_id = $2 AND user_id = $3`, string(role), familyID, userID)
	if err != nil {
		return fmt.Errorf("repository: update_role: %w", err)
	}
	return nil
}

// DeleteFamily removes a family and its memberships/geofences.
func (a *Admin) DeleteFamily(ctx context.Context, familyID string) error {
	if !a.db.configured() {
		return ErrNotConfigured
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: delete_family: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM ghost_family WHERE family_id = $1`,
		`DELETE FROM geofences WHERE family_id = $1`,
		`DELETE FROM memberships WHERE family_id = $1`,
		`DELETE FROM families WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, familyID); err != nil {
			return fmt.Errorf("repository: delete_family: %w", err)
		}
	}
	return tx.Commit()
}

// NewFamilyID mints an opaque family identifier.
func NewFamilyID() string { return uuid.New().String() }

// --- Tenant: ghost-mode reads/writes, user-scoped lookups ---

// SetGlobalGhost writes the user's global ghost-mode flag.
func (t *Tenant) SetGlobalGhost(ctx context.Context, userID string, enabled bool) error {
	if !t.db.configured() {
		return ErrNotConfigured
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO ghost_global (user_id, enabled) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET enabled = EXCLUDED.enabled`, userID, enabled)
	if err != nil {
		return fmt.Errorf("repository: set_global_ghost: %w", err)
	}
	return nil
}

// SetFamilyGhost writes the user's per-family ghost-mode flag.
func (t *Tenant) SetFamilyGhost(ctx context.Context, userID, familyID string, enabled bool) error {
	if !t.db.configured() {
		return ErrNotConfigured
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO ghost_family (family_id, user_id, enabled) VALUES ($1, $2, $3)
		ON CONFLICT (family_id, user_id) DO UPDATE SET enabled = EXCLUDED.enabled`, familyID, userID, enabled)
	if err != nil {
		return fmt.Errorf("repository: set_family_ghost: %w", err)
	}
	return nil
}

// IsGhost reports whether userID is hidden from familyID, and by which scope.
func (t *Tenant) IsGhost(ctx context.Context, userID, familyID string) (models.GhostStatus, error) {
	if !t.db.configured() {
		return models.GhostStatus{Scope: models.GhostScopeNone}, nil
	}

	var global bool
	err := t.db.QueryRowContext(ctx, `SELECT enabled FROM ghost_global WHERE user_id = $1`, userID).Scan(&global)
	if err != nil && err != sql.ErrNoRows {
		logQueryError(t.logger, "is_ghost global", err)
	}
	if global {
		return models.GhostStatus{Enabled: true, Scope: models.GhostScopeGlobal}, nil
	}

	var family bool
	err = t.db.QueryRowContext(ctx, `SELECT enabled FROM ghost_family WHERE family_id = $1 AND user_id = $2`, familyID, userID).Scan(&family)
	if err != nil && err != sql.ErrNoRows {
		logQueryError(t.logger, "is_ghost family", err)
	}
	if family {
		return models.GhostStatus{Enabled: true, Scope: models.GhostScopeFamily}, nil
	}

	return models.GhostStatus{Enabled: false, Scope: models.GhostScopeNone}, nil
}

// GhostModesOf returns the user's full ghost-mode state.
func (t *Tenant) GhostModesOf(ctx context.Context, userID string) (models.GhostModeState, error) {
	state := models.GhostModeState{PerFamily: map[string]bool{}}
	if !t.db.configured() {
		return state, nil
	}

	err := t.db.QueryRowContext(ctx, `SELECT enabled FROM ghost_global WHERE user_id = $1`, userID).Scan(&state.Global)
	if err != nil && err != sql.ErrNoRows {
		logQueryError(t.logger, "ghost_modes_of global", err)
	}

	rows, err := t.db.QueryContext(ctx, `SELECT family_id, enabled FROM ghost_family WHERE user_id = $1`, userID)
	if err != nil {
		logQueryError(t.logger, "ghost_modes_of family", err)
		return state, nil
	}
	defer rows.Close()

	for rows.Next() {
		var familyID string
		var enabled bool
		if err := rows.Scan(&familyID, &enabled); err != nil {
			logQueryError(t.logger, "ghost_modes_of scan", err)
			return state, nil
		}
		state.PerFamily[familyID] = enabled
	}
	return state, nil
}
