package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campusiq/campus-api/internal/models"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
)

const courseColumns = `id, code, title, description, credits, department, semester, year,
    max_students, current_enrollment, instructor_id, location, is_active, start_date, end_date, created_at, updated_at`

// CourseRepository handles course persistence.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// List returns courses matching the filter along with the total count.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, int, error) {
	base := `FROM courses c JOIN users i ON i.id = c.instructor_id`
	var conditions []string
	var args []interface{}

	if !filter.IncludeAll {
		conditions = append(conditions, "c.is_active = TRUE")
	}
	if filter.Department != "" {
		conditions = append(conditions, fmt.Sprintf("c.department = $%d", len(args)+1))
		args = append(args, filter.Department)
	}
	if filter.Semester != "" {
		conditions = append(conditions, fmt.Sprintf("c.semester = $%d", len(args)+1))
		args = append(args, filter.Semester)
	}
	if filter.Year != 0 {
		conditions = append(conditions, fmt.Sprintf("c.year = $%d", len(args)+1))
		args = append(args, filter.Year)
	}
	if filter.InstructorID != "" {
		conditions = append(conditions, fmt.Sprintf("c.instructor_id = $%d", len(args)+1))
		args = append(args, filter.InstructorID)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(c.code ILIKE $%d OR c.title ILIKE $%d OR c.description ILIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}
	if filter.AvailableOnly {
		conditions = append(conditions, "c.current_enrollment < c.max_students")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"code":       "c.code",
		"title":      "c.title",
		"department": "c.department",
		"year":       "c.year",
		"created_at": "c.created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "c.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 10
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT c.id, c.code, c.title, c.description, c.credits, c.department, c.semester, c.year,
        c.max_students, c.current_enrollment, c.instructor_id, c.location, c.is_active, c.start_date, c.end_date,
        c.created_at, c.updated_at,
        i.first_name AS instructor_first_name, i.last_name AS instructor_last_name, i.email AS instructor_email
        %s ORDER BY %s %s, c.id %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, order, size, offset)

	var courses []models.CourseDetail
	if err := r.db.SelectContext(ctx, &courses, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	return courses, total, nil
}

// FindByID returns a course by its ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	query := fmt.Sprintf(`SELECT %s FROM courses WHERE id = $1`, courseColumns)
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// FindDetailByID returns a course with instructor info.
func (r *CourseRepository) FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error) {
	const query = `SELECT c.id, c.code, c.title, c.description, c.credits, c.department, c.semester, c.year,
        c.max_students, c.current_enrollment, c.instructor_id, c.location, c.is_active, c.start_date, c.end_date,
        c.created_at, c.updated_at,
        i.first_name AS instructor_first_name, i.last_name AS instructor_last_name, i.email AS instructor_email
        FROM courses c JOIN users i ON i.id = c.instructor_id WHERE c.id = $1`
	var detail models.CourseDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FindByCode returns a course by its normalized code.
func (r *CourseRepository) FindByCode(ctx context.Context, code string) (*models.Course, error) {
	query := fmt.Sprintf(`SELECT %s FROM courses WHERE code = $1`, courseColumns)
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, code); err != nil {
		return nil, err
	}
	return &course, nil
}

// Create inserts a new course.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	course.CreatedAt = now
	course.UpdatedAt = now

	const query = `INSERT INTO courses (id, code, title, description, credits, department, semester, year,
        max_students, current_enrollment, instructor_id, location, is_active, start_date, end_date, created_at, updated_at)
        VALUES (:id, :code, :title, :description, :credits, :department, :semester, :year,
        :max_students, :current_enrollment, :instructor_id, :location, :is_active, :start_date, :end_date, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		if isUniqueViolation(err) {
			return appErrors.ErrCourseCodeTaken
		}
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// Update persists mutable course fields. The enrollment counter is
// owned by the enrollment repository and never touched here.
func (r *CourseRepository) Update(ctx context.Context, course *models.Course) error {
	course.UpdatedAt = time.Now().UTC()
	const query = `UPDATE courses SET title = :title, description = :description, credits = :credits,
        department = :department, semester = :semester, year = :year, max_students = :max_students,
        location = :location, is_active = :is_active, start_date = :start_date, end_date = :end_date,
        updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return nil
}

// Deactivate marks a course inactive, closing it to new enrollments.
func (r *CourseRepository) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE courses SET is_active = FALSE, updated_at = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate course: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate course result: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	return nil
}

// CountActiveByInstructor counts the instructor's active courses.
func (r *CourseRepository) CountActiveByInstructor(ctx context.Context, instructorID string) (int, error) {
	const query = `SELECT COUNT(*) FROM courses WHERE instructor_id = $1 AND is_active = TRUE`
	var count int
	if err := r.db.GetContext(ctx, &count, query, instructorID); err != nil {
		return 0, fmt.Errorf("count instructor courses: %w", err)
	}
	return count, nil
}

// ListByInstructor returns all courses taught by an instructor.
func (r *CourseRepository) ListByInstructor(ctx context.Context, instructorID string) ([]models.Course, error) {
	query := fmt.Sprintf(`SELECT %s FROM courses WHERE instructor_id = $1 ORDER BY year DESC, semester, code`, courseColumns)
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, instructorID); err != nil {
		return nil, fmt.Errorf("list instructor courses: %w", err)
	}
	return courses, nil
}
