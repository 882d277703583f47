package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusiq/campus-api/internal/models"
	"github.com/campusiq/campus-api/internal/policy"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
)

const userStatsCacheKey = "users:stats"

type userRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	Update(ctx context.Context, user *models.User) error
	Deactivate(ctx context.Context, id string) error
	HardDelete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*models.UserStats, error)
	RevokeUserRefreshTokens(ctx context.Context, userID string) error
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
}

type userEnrollmentCounter interface {
	CountByStudentAndStatus(ctx context.Context, studentID string, status models.EnrollmentStatus) (int, error)
}

type userCourseCounter interface {
	CountActiveByInstructor(ctx context.Context, instructorID string) (int, error)
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// UpdateUserRequest is the admin-facing account update payload.
type UpdateUserRequest struct {
	Email        *string          `json:"email" validate:"omitempty,email"`
	FirstName    *string          `json:"first_name" validate:"omitempty,min=2,max=50"`
	LastName     *string          `json:"last_name" validate:"omitempty,min=2,max=50"`
	Role         *models.UserRole `json:"role" validate:"omitempty,oneof=admin instructor student"`
	Active       *bool            `json:"is_active"`
	ProfileImage *string          `json:"profile_image" validate:"omitempty,max=255"`
}

// UserService provides account management use cases.
type UserService struct {
	repo        userRepository
	enrollments userEnrollmentCounter
	courses     userCourseCounter
	cache       statsCache
	validator   *validator.Validate
	logger      *zap.Logger
	statsTTL    time.Duration
}

// NewUserService constructs a UserService.
func NewUserService(repo userRepository, enrollments userEnrollmentCounter, courses userCourseCounter, cache statsCache, validate *validator.Validate, logger *zap.Logger, statsTTL time.Duration) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if statsTTL <= 0 {
		statsTTL = 10 * time.Minute
	}
	return &UserService{
		repo:        repo,
		enrollments: enrollments,
		courses:     courses,
		cache:       cache,
		validator:   validate,
		logger:      logger,
		statsTTL:    statsTTL,
	}
}

// List returns users matching the filter. Admin only.
func (s *UserService) List(ctx context.Context, actor *models.JWTClaims, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	if !policy.CanListUsers(actor) {
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "admin access required")
	}

	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}
	return users, models.NewPagination(normalizePage(filter.Page), normalizePageSize(filter.PageSize), total), nil
}

// Get returns a single user. Users can read themselves, admins anyone.
func (s *UserService) Get(ctx context.Context, actor *models.JWTClaims, id string) (*models.User, error) {
	if !policy.CanReadUser(actor, id) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot access this user")
	}

	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// Update applies account changes. Role and activation changes are
// restricted to admins.
func (s *UserService) Update(ctx context.Context, actor *models.JWTClaims, id string, req UpdateUserRequest) (*models.User, error) {
	if !policy.CanUpdateUser(actor, id) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot update this user")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}
	if (req.Role != nil || req.Active != nil) && !policy.CanChangeUserRole(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins can change role or activation")
	}

	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	before, _ := json.Marshal(user)

	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.FirstName != nil {
		user.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		user.LastName = *req.LastName
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.ProfileImage != nil {
		user.ProfileImage = req.ProfileImage
	}

	if err := s.repo.Update(ctx, user); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}

	after, _ := json.Marshal(user)
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionUserUpdate,
		Resource:   "users",
		ResourceID: &user.ID,
		OldValues:  before,
		NewValues:  after,
	}); err != nil {
		s.logger.Warn("failed to record user update audit log", zap.Error(err))
	}

	s.invalidateStats(ctx)
	return user, nil
}

// Delete removes a user account. Accounts with enrollment or course
// history are deactivated instead so records stay consistent; only
// accounts with no references are removed outright.
func (s *UserService) Delete(ctx context.Context, actor *models.JWTClaims, id string) error {
	if !policy.CanDeleteUser(actor, id) {
		if policy.IsAdmin(actor) && actor.UserID == id {
			return appErrors.Clone(appErrors.ErrForbidden, "admins cannot delete their own account")
		}
		return appErrors.Clone(appErrors.ErrForbidden, "admin access required")
	}

	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	hasHistory, err := s.hasHistory(ctx, user)
	if err != nil {
		return err
	}

	if hasHistory {
		if err := s.repo.Deactivate(ctx, id); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
		}
		if err := s.repo.RevokeUserRefreshTokens(ctx, id); err != nil {
			s.logger.Warn("failed to revoke sessions on deactivate", zap.Error(err))
		}
	} else {
		if err := s.repo.HardDelete(ctx, id); err != nil {
			var appErr *appErrors.Error
			if errors.As(err, &appErr) {
				return appErr
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete user")
		}
	}

	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionUserDelete,
		Resource:   "users",
		ResourceID: &id,
	}); err != nil {
		s.logger.Warn("failed to record user delete audit log", zap.Error(err))
	}

	s.invalidateStats(ctx)
	return nil
}

// Stats returns aggregate account counts, served from cache when warm.
func (s *UserService) Stats(ctx context.Context, actor *models.JWTClaims) (*models.UserStats, error) {
	if !policy.IsAdmin(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "admin access required")
	}

	if s.cache != nil {
		var cached models.UserStats
		if err := s.cache.Get(ctx, userStatsCacheKey, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("user stats cache read failed", zap.Error(err))
		}
	}

	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate user stats")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, userStatsCacheKey, stats, s.statsTTL); err != nil {
			s.logger.Warn("user stats cache write failed", zap.Error(err))
		}
	}
	return stats, nil
}

func (s *UserService) hasHistory(ctx context.Context, user *models.User) (bool, error) {
	switch user.Role {
	case models.RoleStudent:
		count, err := s.enrollments.CountByStudentAndStatus(ctx, user.ID, models.EnrollmentStatusEnrolled)
		if err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollments")
		}
		return count > 0, nil
	case models.RoleInstructor:
		count, err := s.courses.CountActiveByInstructor(ctx, user.ID)
		if err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count courses")
		}
		return count > 0, nil
	}
	return false, nil
}

func (s *UserService) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, userStatsCacheKey); err != nil {
		s.logger.Warn("failed to invalidate user stats cache", zap.Error(err))
	}
}

func normalizePage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func normalizePageSize(size int) int {
	if size <= 0 || size > 100 {
		return 10
	}
	return size
}
