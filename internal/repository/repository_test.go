package repository

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"familycore/internal/models"
)

// newMockAdmin and newMockTenant build handles directly over a sqlmock
// *sql.DB, bypassing New/openDB's real pgx dial+ping so the real
// QueryContext/ExecContext/Scan paths run against a fake wire protocol
// instead of the not-configured short-circuit every other test in this
// module exercises via an empty DSN.
func newMockAdmin(t *testing.T) (*Admin, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Admin{db: DB{DB: db}, logger: logger}, mock
}

func newMockTenant(t *testing.T) (*Tenant, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Tenant{db: DB{DB: db}, logger: logger}, mock
}

func TestMembersOfScansRows(t *testing.T) {
	a, mock := newMockAdmin(t)
	joinedAt := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{"user_id", "role", "display_name", "avatar", "joined_at"}).
		AddRow("u1", "head", "Ada", "", joinedAt).
		AddRow("u2", "child", "Bo", "avatar.png", joinedAt)
	mock.ExpectQuery(`SELECT user_id, role, display_name, avatar, joined_at`).
		WithArgs("fam-1").
		WillReturnRows(rows)

	members, err := a.MembersOf(context.Background(), "fam-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, models.FamilyMember{UserID: "u1", Role: models.RoleHead, DisplayName: "Ada", JoinedAt: joinedAt}, members[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMembersOfQueryErrorReturnsEmptyNotError(t *testing.T) {
	a, mock := newMockAdmin(t)
	mock.ExpectQuery(`SELECT user_id, role, display_name, avatar, joined_at`).
		WithArgs("fam-1").
		WillReturnError(sql.ErrConnDone)

	members, err := a.MembersOf(context.Background(), "fam-1")
	require.NoError(t, err)
	require.Nil(t, members)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFamiliesOfScansRows(t *testing.T) {
	a, mock := newMockAdmin(t)
	rows := sqlmock.NewRows([]string{"family_id"}).AddRow("fA").AddRow("fB")
	mock.ExpectQuery(`SELECT family_id FROM memberships`).WithArgs("u1").WillReturnRows(rows)

	families, err := a.FamiliesOf(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"fA", "fB"}, families)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleOfFound(t *testing.T) {
	a, mock := newMockAdmin(t)
	mock.ExpectQuery(`SELECT role FROM memberships`).
		WithArgs("u1", "fam-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("head"))

	role, err := a.RoleOf(context.Background(), "u1", "fam-1")
	require.NoError(t, err)
	require.Equal(t, models.RoleHead, role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleOfAbsentReturnsEmptyRole(t *testing.T) {
	a, mock := newMockAdmin(t)
	mock.ExpectQuery(`SELECT role FROM memberships`).
		WithArgs("u1", "fam-1").
		WillReturnError(sql.ErrNoRows)

	role, err := a.RoleOf(context.Background(), "u1", "fam-1")
	require.NoError(t, err)
	require.Equal(t, models.Role(""), role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGeofencesOfScansRows(t *testing.T) {
	a, mock := newMockAdmin(t)
	rows := sqlmock.NewRows([]string{"id", "family_id", "name", "center_lat", "center_lon", "radius_m", "enabled"}).
		AddRow("g1", "fam-1", "home", 1.0, 2.0, 100.0, true)
	mock.ExpectQuery(`SELECT id, family_id, name, center_lat, center_lon, radius_m, enabled`).
		WithArgs("fam-1").
		WillReturnRows(rows)

	fences, err := a.GeofencesOf(context.Background(), "fam-1")
	require.NoError(t, err)
	require.Len(t, fences, 1)
	require.Equal(t, "home", fences[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMemberExecutesUpsert(t *testing.T) {
	a, mock := newMockAdmin(t)
	mock.ExpectExec(`INSERT INTO memberships`).
		WithArgs("fam-1", "u1", "member", "Bo").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.AddMember(context.Background(), "fam-1", "u1", models.RoleMember, "Bo"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveMemberExecutesDelete(t *testing.T) {
	a, mock := newMockAdmin(t)
	mock.ExpectExec(`DELETE FROM memberships`).
		WithArgs("fam-1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.RemoveMember(context.Background(), "fam-1", "u1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRoleExecutesUpdate(t *testing.T) {
	a, mock := newMockAdmin(t)
	mock.ExpectExec(`UPDATE memberships SET role`).
		WithArgs("head", "fam-1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.UpdateRole(context.Background(), "fam-1", "u1", models.RoleHead))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFamilyRunsTransactionAndCommits(t *testing.T) {
	a, mock := newMockAdmin(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM ghost_family`).WithArgs("fam-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM geofences`).WithArgs("fam-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM memberships`).WithArgs("fam-1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM families`).WithArgs("fam-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, a.DeleteFamily(context.Background(), "fam-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFamilyRollsBackOnExecError(t *testing.T) {
	a, mock := newMockAdmin(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM ghost_family`).WithArgs("fam-1").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := a.DeleteFamily(context.Background(), "fam-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetGlobalGhostExecutesUpsert(t *testing.T) {
	tn, mock := newMockTenant(t)
	mock.ExpectExec(`INSERT INTO ghost_global`).
		WithArgs("u1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, tn.SetGlobalGhost(context.Background(), "u1", true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetFamilyGhostExecutesUpsert(t *testing.T) {
	tn, mock := newMockTenant(t)
	mock.ExpectExec(`INSERT INTO ghost_family`).
		WithArgs("fam-1", "u1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, tn.SetFamilyGhost(context.Background(), "u1", "fam-1", true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsGhostGlobalScopeWins(t *testing.T) {
	tn, mock := newMockTenant(t)
	mock.ExpectQuery(`SELECT enabled FROM ghost_global`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(true))

	status, err := tn.IsGhost(context.Background(), "u1", "fam-1")
	require.NoError(t, err)
	require.Equal(t, models.GhostStatus{Enabled: true, Scope: models.GhostScopeGlobal}, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsGhostFamilyScopeWhenGlobalOff(t *testing.T) {
	tn, mock := newMockTenant(t)
	mock.ExpectQuery(`SELECT enabled FROM ghost_global`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT enabled FROM ghost_family`).
		WithArgs("fam-1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(true))

	status, err := tn.IsGhost(context.Background(), "u1", "fam-1")
	require.NoError(t, err)
	require.Equal(t, models.GhostStatus{Enabled: true, Scope: models.GhostScopeFamily}, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsGhostNoneWhenBothOff(t *testing.T) {
	tn, mock := newMockTenant(t)
	mock.ExpectQuery(`SELECT enabled FROM ghost_global`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT enabled FROM ghost_family`).
		WithArgs("fam-1", "u1").
		WillReturnError(sql.ErrNoRows)

	status, err := tn.IsGhost(context.Background(), "u1", "fam-1")
	require.NoError(t, err)
	require.Equal(t, models.GhostStatus{Enabled: false, Scope: models.GhostScopeNone}, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGhostModesOfMergesGlobalAndPerFamily(t *testing.T) {
	tn, mock := newMockTenant(t)
	mock.ExpectQuery(`SELECT enabled FROM ghost_global`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(true))
	mock.ExpectQuery(`SELECT family_id, enabled FROM ghost_family`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"family_id", "enabled"}).AddRow("fA", true).AddRow("fB", false))

	state, err := tn.GhostModesOf(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, state.Global)
	require.Equal(t, map[string]bool{"fA": true, "fB": false}, state.PerFamily)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotConfiguredHandleShortCircuitsWithoutTouchingDB(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := &Admin{db: DB{}, logger: logger}

	members, err := a.MembersOf(context.Background(), "fam-1")
	require.NoError(t, err)
	require.Nil(t, members)

	err = a.AddMember(context.Background(), "fam-1", "u1", models.RoleMember, "Bo")
	require.ErrorIs(t, err, ErrNotConfigured)
}
