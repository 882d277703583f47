package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusiq/campus-api/internal/models"
	"github.com/campusiq/campus-api/internal/policy"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	Exists(ctx context.Context, studentID, courseID string) (bool, error)
	CreateEnrolled(ctx context.Context, enrollment *models.Enrollment) error
	UpdateWithCounter(ctx context.Context, enrollment *models.Enrollment, prev models.EnrollmentStatus) error
	DeleteWithCounter(ctx context.Context, enrollment *models.Enrollment) error
}

type enrollmentCourseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type enrollmentUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
}

type enrollmentCacheInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string) error
}

type enrollmentMetricsRecorder interface {
	RecordEnrollmentOperation(operation, outcome string)
}

// EnrollRequest is the payload for enrolling a student into a course.
type EnrollRequest struct {
	StudentID string  `json:"student_id" validate:"required,uuid4"`
	CourseID  string  `json:"course_id" validate:"required,uuid4"`
	Notes     *string `json:"notes" validate:"omitempty,max=1000"`
}

// UpdateEnrollmentRequest changes status, grade or notes.
type UpdateEnrollmentRequest struct {
	Status *models.EnrollmentStatus `json:"status" validate:"omitempty,oneof=enrolled completed dropped withdrawn"`
	Grade  *string                  `json:"grade"`
	Notes  *string                  `json:"notes" validate:"omitempty,max=1000"`
}

// EnrollmentService drives the enrollment lifecycle. Seat accounting
// lives in the repository transactions; this layer owns authorization
// and the status transition rules.
type EnrollmentService struct {
	repo      enrollmentRepository
	courses   enrollmentCourseReader
	users     enrollmentUserReader
	cache     enrollmentCacheInvalidator
	metrics   enrollmentMetricsRecorder
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEnrollmentService constructs an EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, courses enrollmentCourseReader, users enrollmentUserReader, cache enrollmentCacheInvalidator, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &EnrollmentService{
		repo:      repo,
		courses:   courses,
		users:     users,
		cache:     cache,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches an operation counter to the service.
func (s *EnrollmentService) WithMetrics(metrics enrollmentMetricsRecorder) *EnrollmentService {
	s.metrics = metrics
	return s
}

func (s *EnrollmentService) record(operation string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, appErrors.ErrCourseFull):
		outcome = "course_full"
	case errors.Is(err, appErrors.ErrAlreadyEnrolled):
		outcome = "duplicate"
	default:
		outcome = "error"
	}
	s.metrics.RecordEnrollmentOperation(operation, outcome)
}

// Enroll registers a student into a course. Capacity is enforced by
// the repository transaction, so racing requests for the last seat
// resolve to exactly one success.
func (s *EnrollmentService) Enroll(ctx context.Context, actor *models.JWTClaims, req EnrollRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if !policy.CanEnroll(actor, req.StudentID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "students can only enroll themselves")
	}

	student, err := s.users.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if student.Role != models.RoleStudent || !student.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user is not an active student")
	}

	exists, err := s.repo.Exists(ctx, req.StudentID, req.CourseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}
	if exists {
		return nil, appErrors.ErrAlreadyEnrolled
	}

	enrollment := &models.Enrollment{
		StudentID: req.StudentID,
		CourseID:  req.CourseID,
		Notes:     req.Notes,
	}
	if err := s.repo.CreateEnrolled(ctx, enrollment); err != nil {
		s.record("enroll", err)
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enroll")
	}
	s.record("enroll", nil)

	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionEnroll,
		Resource:   "enrollments",
		ResourceID: &enrollment.ID,
	}); err != nil {
		s.logger.Warn("failed to record enroll audit log", zap.Error(err))
	}

	s.invalidateCatalog(ctx)
	return enrollment, nil
}

// Update applies a status transition, grade, or notes to an
// enrollment. Grading is restricted to the course's instructor and
// admins; the course seat counter follows the status transition inside
// the repository transaction.
func (s *EnrollmentService) Update(ctx context.Context, actor *models.JWTClaims, id string, req UpdateEnrollmentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	course, err := s.courses.FindByID(ctx, enrollment.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if !policy.CanGradeEnrollment(actor, course) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot modify this enrollment")
	}

	prev := enrollment.Status
	if req.Status != nil {
		enrollment.Status = *req.Status
	}
	if req.Grade != nil {
		if !models.ValidGrade(*req.Grade) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown grade letter")
		}
		enrollment.Grade = req.Grade
		points := models.GradePointScale[*req.Grade]
		enrollment.GradePoints = &points
	}
	if req.Notes != nil {
		enrollment.Notes = req.Notes
	}
	if enrollment.Status == models.EnrollmentStatusCompleted && enrollment.CompletionDate == nil {
		now := s.now()
		enrollment.CompletionDate = &now
	}

	if err := s.repo.UpdateWithCounter(ctx, enrollment, prev); err != nil {
		s.record("update", err)
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
	}
	s.record("update", nil)

	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionEnrollmentUpdate,
		Resource:   "enrollments",
		ResourceID: &enrollment.ID,
	}); err != nil {
		s.logger.Warn("failed to record enrollment update audit log", zap.Error(err))
	}

	if models.CounterDelta(prev, enrollment.Status) != 0 {
		s.invalidateCatalog(ctx)
	}
	return enrollment, nil
}

// Withdraw takes a student out of a course. Before the course starts
// the row is deleted outright, leaving no transcript trace; afterwards
// the enrollment becomes withdrawn with a completion date. A nil
// enrollment in the result means the row was dropped.
func (s *EnrollmentService) Withdraw(ctx context.Context, actor *models.JWTClaims, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if !policy.CanWithdraw(actor, enrollment) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot withdraw this enrollment")
	}

	course, err := s.courses.FindByID(ctx, enrollment.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	now := s.now()
	if !course.Started(now) {
		if err := s.repo.DeleteWithCounter(ctx, enrollment); err != nil {
			s.record("drop", err)
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to drop enrollment")
		}
		s.record("drop", nil)
		s.auditWithdraw(ctx, actor, enrollment.ID)
		s.invalidateCatalog(ctx)
		return nil, nil
	}

	prev := enrollment.Status
	enrollment.Status = models.EnrollmentStatusWithdrawn
	enrollment.CompletionDate = &now

	if err := s.repo.UpdateWithCounter(ctx, enrollment, prev); err != nil {
		s.record("withdraw", err)
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw")
	}
	s.record("withdraw", nil)
	s.auditWithdraw(ctx, actor, enrollment.ID)
	s.invalidateCatalog(ctx)
	return enrollment, nil
}

func (s *EnrollmentService) auditWithdraw(ctx context.Context, actor *models.JWTClaims, enrollmentID string) {
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionWithdraw,
		Resource:   "enrollments",
		ResourceID: &enrollmentID,
	}); err != nil {
		s.logger.Warn("failed to record withdraw audit log", zap.Error(err))
	}
}

// List returns enrollments matching the filter. Admin only; students
// and instructors use the scoped listings instead.
func (s *EnrollmentService) List(ctx context.Context, actor *models.JWTClaims, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	if !policy.IsAdmin(actor) {
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "admin access required")
	}
	return s.list(ctx, filter)
}

// ListMine returns the acting student's own enrollments.
func (s *EnrollmentService) ListMine(ctx context.Context, actor *models.JWTClaims, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	filter.StudentID = actor.UserID
	return s.list(ctx, filter)
}

// Get returns a single enrollment with student and course context.
func (s *EnrollmentService) Get(ctx context.Context, actor *models.JWTClaims, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	course, err := s.courses.FindByID(ctx, detail.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if !policy.CanReadEnrollment(actor, &detail.Enrollment, course) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot access this enrollment")
	}
	return detail, nil
}

func (s *EnrollmentService) list(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, models.NewPagination(normalizePage(filter.Page), normalizePageSize(filter.PageSize), total), nil
}

func (s *EnrollmentService) invalidateCatalog(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, courseCachePrefix+"*"); err != nil {
		s.logger.Warn("failed to invalidate course cache", zap.Error(err))
	}
}
