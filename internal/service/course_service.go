package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusiq/campus-api/internal/models"
	"github.com/campusiq/campus-api/internal/policy"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
	"github.com/campusiq/campus-api/pkg/export"
)

const courseCachePrefix = "courses:"

type courseRepository interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error)
	FindByCode(ctx context.Context, code string) (*models.Course, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, course *models.Course) error
	Deactivate(ctx context.Context, id string) error
	ListByInstructor(ctx context.Context, instructorID string) ([]models.Course, error)
}

type courseUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type courseRosterReader interface {
	ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error)
}

type courseCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CreateCourseRequest is the payload for creating a course offering.
type CreateCourseRequest struct {
	Code         string          `json:"code" validate:"required,min=5,max=8"`
	Title        string          `json:"title" validate:"required,min=3,max=200"`
	Description  *string         `json:"description" validate:"omitempty,max=2000"`
	Credits      int             `json:"credits" validate:"omitempty,min=1,max=6"`
	Department   string          `json:"department" validate:"required,min=2,max=100"`
	Semester     models.Semester `json:"semester" validate:"required,oneof=Spring Summer Fall Winter"`
	Year         int             `json:"year" validate:"required,min=2020,max=2030"`
	MaxStudents  int             `json:"max_students" validate:"omitempty,min=1,max=200"`
	InstructorID string          `json:"instructor_id" validate:"required,uuid4"`
	Location     *string         `json:"location" validate:"omitempty,max=100"`
	StartDate    time.Time       `json:"start_date" validate:"required"`
	EndDate      time.Time       `json:"end_date" validate:"required"`
}

// UpdateCourseRequest is the payload for updating a course offering.
type UpdateCourseRequest struct {
	Title       *string          `json:"title" validate:"omitempty,min=3,max=200"`
	Description *string          `json:"description" validate:"omitempty,max=2000"`
	Credits     *int             `json:"credits" validate:"omitempty,min=1,max=6"`
	Department  *string          `json:"department" validate:"omitempty,min=2,max=100"`
	Semester    *models.Semester `json:"semester" validate:"omitempty,oneof=Spring Summer Fall Winter"`
	Year        *int             `json:"year" validate:"omitempty,min=2020,max=2030"`
	MaxStudents *int             `json:"max_students" validate:"omitempty,min=1,max=200"`
	Location    *string          `json:"location" validate:"omitempty,max=100"`
	Active      *bool            `json:"is_active"`
	StartDate   *time.Time       `json:"start_date"`
	EndDate     *time.Time       `json:"end_date"`
}

// CourseService provides catalog management use cases.
type CourseService struct {
	repo         courseRepository
	users        courseUserReader
	roster       courseRosterReader
	cache        courseCache
	metrics      cacheMetricsRecorder
	csvExporter  *export.CSVExporter
	pdfExporter  *export.PDFExporter
	validator    *validator.Validate
	logger       *zap.Logger
	cacheEnabled bool
	cacheTTL     time.Duration
}

// NewCourseService constructs a CourseService.
func NewCourseService(repo courseRepository, users courseUserReader, roster courseRosterReader, cache courseCache, validate *validator.Validate, logger *zap.Logger, cacheEnabled bool, cacheTTL time.Duration) *CourseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &CourseService{
		repo:         repo,
		users:        users,
		roster:       roster,
		cache:        cache,
		csvExporter:  export.NewCSVExporter(),
		pdfExporter:  export.NewPDFExporter(),
		validator:    validate,
		logger:       logger,
		cacheEnabled: cacheEnabled,
		cacheTTL:     cacheTTL,
	}
}

type cacheMetricsRecorder interface {
	RecordCacheOperation(hit bool)
}

// WithMetrics attaches a cache hit/miss counter to the service.
func (s *CourseService) WithMetrics(metrics cacheMetricsRecorder) *CourseService {
	s.metrics = metrics
	return s
}

type cachedCourseList struct {
	Courses    []models.CourseDetail `json:"courses"`
	Pagination *models.Pagination    `json:"pagination"`
}

// List returns the course catalog matching the filter. Hot listings
// are served from Redis; any course or enrollment write invalidates
// the whole prefix.
func (s *CourseService) List(ctx context.Context, actor *models.JWTClaims, filter models.CourseFilter) ([]models.CourseDetail, *models.Pagination, error) {
	if filter.IncludeAll && !policy.IsAdmin(actor) {
		filter.IncludeAll = false
	}

	key := courseListCacheKey(filter)
	if s.cacheEnabled && s.cache != nil {
		var cached cachedCourseList
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			if s.metrics != nil {
				s.metrics.RecordCacheOperation(true)
			}
			return cached.Courses, cached.Pagination, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("course list cache read failed", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.RecordCacheOperation(false)
		}
	}

	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	pagination := models.NewPagination(normalizePage(filter.Page), normalizePageSize(filter.PageSize), total)

	if s.cacheEnabled && s.cache != nil {
		if err := s.cache.Set(ctx, key, cachedCourseList{Courses: courses, Pagination: pagination}, s.cacheTTL); err != nil {
			s.logger.Warn("course list cache write failed", zap.Error(err))
		}
	}
	return courses, pagination, nil
}

// Get returns a single course with instructor details.
func (s *CourseService) Get(ctx context.Context, id string) (*models.CourseDetail, error) {
	course, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// Create adds a course offering. Instructors may only create courses
// assigned to themselves; admins can assign any instructor.
func (s *CourseService) Create(ctx context.Context, actor *models.JWTClaims, req CreateCourseRequest) (*models.Course, error) {
	if !policy.CanCreateCourse(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "instructor or admin access required")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if !models.CourseCodePattern.MatchString(code) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "course code must match pattern like CS101")
	}
	if !req.EndDate.After(req.StartDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end date must be after start date")
	}
	if actor.Role == models.RoleInstructor && req.InstructorID != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "instructors can only create their own courses")
	}

	if _, err := s.repo.FindByCode(ctx, code); err == nil {
		return nil, appErrors.ErrCourseCodeTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check course code")
	}

	instructor, err := s.users.FindByID(ctx, req.InstructorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "instructor not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load instructor")
	}
	if instructor.Role != models.RoleInstructor || !instructor.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "assigned user is not an active instructor")
	}

	credits := req.Credits
	if credits == 0 {
		credits = 3
	}
	maxStudents := req.MaxStudents
	if maxStudents == 0 {
		maxStudents = 30
	}

	course := &models.Course{
		Code:         code,
		Title:        req.Title,
		Description:  req.Description,
		Credits:      credits,
		Department:   req.Department,
		Semester:     req.Semester,
		Year:         req.Year,
		MaxStudents:  maxStudents,
		InstructorID: req.InstructorID,
		Location:     req.Location,
		Active:       true,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
	}
	if err := s.repo.Create(ctx, course); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}

	s.invalidateCatalog(ctx)
	return course, nil
}

// Update applies course changes. Capacity may not be reduced below
// the number of currently enrolled students.
func (s *CourseService) Update(ctx context.Context, actor *models.JWTClaims, id string, req UpdateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}

	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if !policy.CanWriteCourse(actor, course) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot modify this course")
	}
	if req.Active != nil && !policy.IsAdmin(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins can change course activation")
	}

	if req.Title != nil {
		course.Title = *req.Title
	}
	if req.Description != nil {
		course.Description = req.Description
	}
	if req.Credits != nil {
		course.Credits = *req.Credits
	}
	if req.Department != nil {
		course.Department = *req.Department
	}
	if req.Semester != nil {
		course.Semester = *req.Semester
	}
	if req.Year != nil {
		course.Year = *req.Year
	}
	if req.MaxStudents != nil {
		if *req.MaxStudents < course.CurrentEnrollment {
			return nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("max students cannot be below current enrollment (%d)", course.CurrentEnrollment))
		}
		course.MaxStudents = *req.MaxStudents
	}
	if req.Location != nil {
		course.Location = req.Location
	}
	if req.Active != nil {
		course.Active = *req.Active
	}
	if req.StartDate != nil {
		course.StartDate = *req.StartDate
	}
	if req.EndDate != nil {
		course.EndDate = *req.EndDate
	}
	if !course.EndDate.After(course.StartDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end date must be after start date")
	}

	if err := s.repo.Update(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course")
	}

	s.invalidateCatalog(ctx)
	return course, nil
}

// Deactivate closes a course to new enrollments. Existing enrollments
// keep their status and history.
func (s *CourseService) Deactivate(ctx context.Context, actor *models.JWTClaims, id string) error {
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if !policy.CanWriteCourse(actor, course) {
		return appErrors.Clone(appErrors.ErrForbidden, "cannot modify this course")
	}

	if err := s.repo.Deactivate(ctx, id); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate course")
	}

	s.invalidateCatalog(ctx)
	return nil
}

// MyCourses lists the courses the acting instructor teaches.
func (s *CourseService) MyCourses(ctx context.Context, actor *models.JWTClaims) ([]models.Course, error) {
	if actor.Role != models.RoleInstructor && actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "instructor access required")
	}
	courses, err := s.repo.ListByInstructor(ctx, actor.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	return courses, nil
}

// Roster returns all enrollments for a course. Restricted to the
// course's instructor and admins.
func (s *CourseService) Roster(ctx context.Context, actor *models.JWTClaims, courseID string) ([]models.EnrollmentDetail, error) {
	course, err := s.repo.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if !policy.CanViewRoster(actor, course) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot view this roster")
	}

	roster, err := s.roster.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	return roster, nil
}

// ExportRoster renders the course roster as CSV or PDF.
func (s *CourseService) ExportRoster(ctx context.Context, actor *models.JWTClaims, courseID, format string) ([]byte, string, error) {
	course, err := s.repo.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if !policy.CanViewRoster(actor, course) {
		return nil, "", appErrors.Clone(appErrors.ErrForbidden, "cannot export this roster")
	}

	roster, err := s.roster.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	data := export.Dataset{
		Headers: []string{"Student", "Email", "Status", "Grade", "Enrolled At"},
	}
	for _, e := range roster {
		grade := ""
		if e.Grade != nil {
			grade = *e.Grade
		}
		data.Rows = append(data.Rows, map[string]string{
			"Student":     e.StudentFirstName + " " + e.StudentLastName,
			"Email":       e.StudentEmail,
			"Status":      string(e.Status),
			"Grade":       grade,
			"Enrolled At": e.EnrollmentDate.Format("2006-01-02"),
		})
	}

	title := fmt.Sprintf("%s %s roster", course.Code, course.Title)
	switch strings.ToLower(format) {
	case "csv", "":
		payload, err := s.csvExporter.Render(data)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return payload, "text/csv", nil
	case "pdf":
		payload, err := s.pdfExporter.Render(data, title)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
}

func (s *CourseService) invalidateCatalog(ctx context.Context) {
	if !s.cacheEnabled || s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, courseCachePrefix+"*"); err != nil {
		s.logger.Warn("failed to invalidate course cache", zap.Error(err))
	}
}

func courseListCacheKey(filter models.CourseFilter) string {
	parts := []string{
		courseCachePrefix + "list",
		filter.Department,
		string(filter.Semester),
		strconv.Itoa(filter.Year),
		filter.InstructorID,
		filter.Search,
		strconv.FormatBool(filter.AvailableOnly),
		strconv.FormatBool(filter.IncludeAll),
		strconv.Itoa(normalizePage(filter.Page)),
		strconv.Itoa(normalizePageSize(filter.PageSize)),
		filter.SortBy,
		filter.SortOrder,
	}
	return strings.Join(parts, ":")
}
