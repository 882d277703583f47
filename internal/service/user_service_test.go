package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusiq/campus-api/internal/models"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
)

type mockUserRepo struct {
	users       map[string]models.User
	updated     *models.User
	deactivated []string
	hardDeleted []string
	stats       models.UserStats
	statsCalls  int
	revoked     []string
	audits      []models.AuditLog
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: map[string]models.User{}}
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	var out []models.User
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, len(out), nil
}

func (m *mockUserRepo) Update(ctx context.Context, user *models.User) error {
	m.updated = user
	m.users[user.ID] = *user
	return nil
}

func (m *mockUserRepo) Deactivate(ctx context.Context, id string) error {
	m.deactivated = append(m.deactivated, id)
	return nil
}

func (m *mockUserRepo) HardDelete(ctx context.Context, id string) error {
	m.hardDeleted = append(m.hardDeleted, id)
	delete(m.users, id)
	return nil
}

func (m *mockUserRepo) Stats(ctx context.Context) (*models.UserStats, error) {
	m.statsCalls++
	s := m.stats
	return &s, nil
}

func (m *mockUserRepo) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	m.revoked = append(m.revoked, userID)
	return nil
}

func (m *mockUserRepo) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	m.audits = append(m.audits, *entry)
	return nil
}

type mockCounters struct {
	enrolled int
	teaching int
}

func (m *mockCounters) CountByStudentAndStatus(ctx context.Context, studentID string, status models.EnrollmentStatus) (int, error) {
	return m.enrolled, nil
}

func (m *mockCounters) CountActiveByInstructor(ctx context.Context, instructorID string) (int, error) {
	return m.teaching, nil
}

type cachedStatsStore struct{}

func (c *cachedStatsStore) Get(ctx context.Context, key string, dest interface{}) error {
	return appErrors.ErrCacheMiss
}

func (c *cachedStatsStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

func (c *cachedStatsStore) Delete(ctx context.Context, key string) error {
	return nil
}

func newTestUserService(repo *mockUserRepo, counters *mockCounters) *UserService {
	return NewUserService(repo, counters, counters, &cachedStatsStore{}, validator.New(), zap.NewNop(), time.Minute)
}

func TestUserServiceListAdminOnly(t *testing.T) {
	repo := newMockUserRepo()
	repo.users["user-1"] = models.User{ID: "user-1"}
	svc := newTestUserService(repo, &mockCounters{})

	_, _, err := svc.List(context.Background(), studentClaims(testStudentID), models.UserFilter{})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	users, pagination, err := svc.List(context.Background(), adminClaims(), models.UserFilter{})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 1, pagination.TotalCount)
}

func TestUserServiceGetSelfOrAdmin(t *testing.T) {
	repo := newMockUserRepo()
	repo.users[testStudentID] = models.User{ID: testStudentID}
	repo.users["other"] = models.User{ID: "other"}
	svc := newTestUserService(repo, &mockCounters{})

	_, err := svc.Get(context.Background(), studentClaims(testStudentID), testStudentID)
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), studentClaims(testStudentID), "other")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	_, err = svc.Get(context.Background(), adminClaims(), "other")
	require.NoError(t, err)
}

func TestUserServiceUpdateRoleNeedsAdmin(t *testing.T) {
	repo := newMockUserRepo()
	repo.users[testStudentID] = models.User{ID: testStudentID, Role: models.RoleStudent, Active: true}
	svc := newTestUserService(repo, &mockCounters{})

	role := models.RoleInstructor
	_, err := svc.Update(context.Background(), studentClaims(testStudentID), testStudentID, UpdateUserRequest{Role: &role})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	user, err := svc.Update(context.Background(), adminClaims(), testStudentID, UpdateUserRequest{Role: &role})
	require.NoError(t, err)
	assert.Equal(t, models.RoleInstructor, user.Role)
	assert.NotEmpty(t, repo.audits)
}

func TestUserServiceDeleteSoftWhenHistoryExists(t *testing.T) {
	repo := newMockUserRepo()
	repo.users[testStudentID] = models.User{ID: testStudentID, Role: models.RoleStudent, Active: true}
	svc := newTestUserService(repo, &mockCounters{enrolled: 2})

	require.NoError(t, svc.Delete(context.Background(), adminClaims(), testStudentID))
	assert.Equal(t, []string{testStudentID}, repo.deactivated)
	assert.Empty(t, repo.hardDeleted)
	assert.Contains(t, repo.revoked, testStudentID)
}

func TestUserServiceDeleteHardWhenNoHistory(t *testing.T) {
	repo := newMockUserRepo()
	repo.users[testStudentID] = models.User{ID: testStudentID, Role: models.RoleStudent, Active: true}
	svc := newTestUserService(repo, &mockCounters{})

	require.NoError(t, svc.Delete(context.Background(), adminClaims(), testStudentID))
	assert.Equal(t, []string{testStudentID}, repo.hardDeleted)
	assert.Empty(t, repo.deactivated)
}

func TestUserServiceDeleteSelfForbidden(t *testing.T) {
	repo := newMockUserRepo()
	repo.users[testAdminID] = models.User{ID: testAdminID, Role: models.RoleAdmin, Active: true}
	svc := newTestUserService(repo, &mockCounters{})

	err := svc.Delete(context.Background(), adminClaims(), testAdminID)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
	assert.Empty(t, repo.hardDeleted)
	assert.Empty(t, repo.deactivated)
}

func TestUserServiceStats(t *testing.T) {
	repo := newMockUserRepo()
	repo.stats = models.UserStats{TotalUsers: 10, ActiveUsers: 8}
	svc := newTestUserService(repo, &mockCounters{})

	_, err := svc.Stats(context.Background(), studentClaims(testStudentID))
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	stats, err := svc.Stats(context.Background(), adminClaims())
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalUsers)
	assert.Equal(t, 1, repo.statsCalls)
}
