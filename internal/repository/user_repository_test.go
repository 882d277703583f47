package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusiq/campus-api/internal/models"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
)

func userRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "first_name", "last_name",
		"role", "is_active", "last_login", "profile_image", "created_at", "updated_at",
	}).AddRow("user-1", "ada", "ada@example.edu", "$2a$10$hash", "Ada", "Lovelace",
		models.RoleStudent, true, nil, nil, now, now)
}

func TestUserRepositoryFindByEmail(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery("SELECT id, username, email").
		WithArgs("ada@example.edu").
		WillReturnRows(userRows())

	user, err := repo.FindByEmail(context.Background(), "ada@example.edu")
	require.NoError(t, err)
	assert.Equal(t, "ada", user.Username)
	assert.Equal(t, models.RoleStudent, user.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryListRoleFilter(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	role := models.RoleStudent
	mock.ExpectQuery("SELECT id, username, email").
		WithArgs(role).
		WillReturnRows(userRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs(role).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	users, total, err := repo.List(context.Background(), models.UserFilter{Role: &role})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, users, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCreateConflict(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Create(context.Background(), &models.User{Username: "ada", Email: "ada@example.edu"})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestUserRepositoryStats(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	rows := sqlmock.NewRows([]string{"total_users", "active_users", "total_students", "total_instructors", "total_admins"}).
		AddRow(10, 8, 6, 3, 1)
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(rows)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalUsers)
	assert.Equal(t, 2, stats.InactiveUsers)
	assert.False(t, stats.GeneratedAt.IsZero())
}

func TestUserRepositoryHardDeleteMissing(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.HardDelete(context.Background(), "missing")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestUserRepositoryFindRefreshToken(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "token", "expires_at", "created_at", "revoked", "revoked_at", "ip_address", "user_agent"}).
		AddRow("rt-1", "user-1", "opaque-token", now.Add(time.Hour), now, false, nil, "127.0.0.1", "test-agent")
	mock.ExpectQuery("SELECT id, user_id, token").
		WithArgs("opaque-token").
		WillReturnRows(rows)

	token, err := repo.FindRefreshToken(context.Background(), "opaque-token")
	require.NoError(t, err)
	assert.Equal(t, "user-1", token.UserID)
	assert.False(t, token.Revoked)
}
