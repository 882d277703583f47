package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusiq/campus-api/internal/models"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const enrollmentColumns = `id, student_id, course_id, status, grade, grade_points, enrollment_date, completion_date, notes, created_at, updated_at`

// EnrollmentRepository handles persistence of enrollments. It is the
// only writer path for courses.current_enrollment: every mutation that
// affects the counter runs in the same transaction as the row change.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
JOIN users s ON s.id = e.student_id
JOIN courses c ON c.id = e.course_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Semester != "" {
		conditions = append(conditions, fmt.Sprintf("c.semester = $%d", len(args)+1))
		args = append(args, filter.Semester)
	}
	if filter.Year != 0 {
		conditions = append(conditions, fmt.Sprintf("c.year = $%d", len(args)+1))
		args = append(args, filter.Year)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrollment_date": "e.enrollment_date",
		"status":          "e.status",
		"course_code":     "c.code",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.enrollment_date"
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

	// Secondary sort on id keeps pagination deterministic when the
	// primary sort key has ties.
	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.course_id, e.status, e.grade, e.grade_points,
        e.enrollment_date, e.completion_date, e.notes, e.created_at, e.updated_at,
        s.first_name AS student_first_name, s.last_name AS student_last_name, s.email AS student_email,
        c.code AS course_code, c.title AS course_title, c.credits AS course_credits,
        c.semester AS course_semester, c.year AS course_year
        %s ORDER BY %s %s, e.id %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student and course context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.course_id, e.status, e.grade, e.grade_points,
        e.enrollment_date, e.completion_date, e.notes, e.created_at, e.updated_at,
        s.first_name AS student_first_name, s.last_name AS student_last_name, s.email AS student_email,
        c.code AS course_code, c.title AS course_title, c.credits AS course_credits,
        c.semester AS course_semester, c.year AS course_year
        FROM enrollments e
        JOIN users s ON s.id = e.student_id
        JOIN courses c ON c.id = e.course_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Exists checks whether any enrollment row exists for the pair,
// regardless of status. The pair is unique.
func (r *EnrollmentRepository) Exists(ctx context.Context, studentID, courseID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check enrollment exists: %w", err)
	}
	return true, nil
}

// CountByStudentAndStatus counts the student's enrollments in a status.
func (r *EnrollmentRepository) CountByStudentAndStatus(ctx context.Context, studentID string, status models.EnrollmentStatus) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE student_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, studentID, status); err != nil {
		return 0, fmt.Errorf("count student enrollments: %w", err)
	}
	return count, nil
}

// ListByCourse returns the roster for a course, newest first.
func (r *EnrollmentRepository) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.course_id, e.status, e.grade, e.grade_points,
        e.enrollment_date, e.completion_date, e.notes, e.created_at, e.updated_at,
        s.first_name AS student_first_name, s.last_name AS student_last_name, s.email AS student_email,
        c.code AS course_code, c.title AS course_title, c.credits AS course_credits,
        c.semester AS course_semester, c.year AS course_year
        FROM enrollments e
        JOIN users s ON s.id = e.student_id
        JOIN courses c ON c.id = e.course_id
        WHERE e.course_id = $1
        ORDER BY e.enrollment_date DESC, e.id DESC`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, courseID); err != nil {
		return nil, fmt.Errorf("list course enrollments: %w", err)
	}
	return enrollments, nil
}

// CreateEnrolled inserts an enrolled-status row and increments the
// course counter as one transaction. The conditional UPDATE doubles as
// the capacity check: concurrent enrollments serialize on the course
// row, so the counter can never exceed max_students.
func (r *EnrollmentRepository) CreateEnrolled(ctx context.Context, enrollment *models.Enrollment) (err error) {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.EnrollmentDate.IsZero() {
		enrollment.EnrollmentDate = now
	}
	enrollment.Status = models.EnrollmentStatusEnrolled
	enrollment.CreatedAt = now
	enrollment.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enroll transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const reserve = `UPDATE courses SET current_enrollment = current_enrollment + 1, updated_at = $2
        WHERE id = $1 AND is_active = TRUE AND current_enrollment < max_students`
	res, err := tx.ExecContext(ctx, reserve, enrollment.CourseID, now)
	if err != nil {
		return fmt.Errorf("reserve course seat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve course seat result: %w", err)
	}
	if affected == 0 {
		return r.resolveReserveFailure(ctx, tx, enrollment.CourseID)
	}

	const insert = `INSERT INTO enrollments (id, student_id, course_id, status, grade, grade_points, enrollment_date, completion_date, notes, created_at, updated_at)
        VALUES (:id, :student_id, :course_id, :status, :grade, :grade_points, :enrollment_date, :completion_date, :notes, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insert, enrollment); err != nil {
		if isUniqueViolation(err) {
			// Rolling back also releases the reserved seat.
			err = appErrors.ErrAlreadyEnrolled
			return err
		}
		return fmt.Errorf("create enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment: %w", err)
	}
	return nil
}

// resolveReserveFailure distinguishes a missing/inactive course from a
// full one after a zero-row conditional update.
func (r *EnrollmentRepository) resolveReserveFailure(ctx context.Context, tx *sqlx.Tx, courseID string) error {
	var state struct {
		Active  bool `db:"is_active"`
		Current int  `db:"current_enrollment"`
		Max     int  `db:"max_students"`
	}
	const query = `SELECT is_active, current_enrollment, max_students FROM courses WHERE id = $1`
	if err := tx.GetContext(ctx, &state, query, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "course not found or inactive")
		}
		return fmt.Errorf("inspect course state: %w", err)
	}
	if !state.Active {
		return appErrors.Clone(appErrors.ErrNotFound, "course not found or inactive")
	}
	return appErrors.ErrCourseFull
}

// UpdateWithCounter persists enrollment field changes and applies the
// counter delta implied by the status transition, all in one
// transaction. A +1 delta re-runs the capacity check and fails with
// ErrCourseFull when the course cannot take the student back.
func (r *EnrollmentRepository) UpdateWithCounter(ctx context.Context, enrollment *models.Enrollment, prev models.EnrollmentStatus) (err error) {
	now := time.Now().UTC()
	enrollment.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrollment update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	switch models.CounterDelta(prev, enrollment.Status) {
	case 1:
		const reserve = `UPDATE courses SET current_enrollment = current_enrollment + 1, updated_at = $2
            WHERE id = $1 AND is_active = TRUE AND current_enrollment < max_students`
		res, execErr := tx.ExecContext(ctx, reserve, enrollment.CourseID, now)
		if execErr != nil {
			err = fmt.Errorf("reserve course seat: %w", execErr)
			return err
		}
		affected, raErr := res.RowsAffected()
		if raErr != nil {
			err = fmt.Errorf("reserve course seat result: %w", raErr)
			return err
		}
		if affected == 0 {
			err = r.resolveReserveFailure(ctx, tx, enrollment.CourseID)
			return err
		}
	case -1:
		if err = releaseSeat(ctx, tx, enrollment.CourseID, now); err != nil {
			return err
		}
	}

	const update = `UPDATE enrollments SET status = :status, grade = :grade, grade_points = :grade_points,
        completion_date = :completion_date, notes = :notes, updated_at = :updated_at WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, update, enrollment); err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment update: %w", err)
	}
	return nil
}

// DeleteWithCounter removes an enrollment row, releasing the course
// seat in the same transaction when the row still held one.
func (r *EnrollmentRepository) DeleteWithCounter(ctx context.Context, enrollment *models.Enrollment) (err error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrollment delete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if enrollment.Status == models.EnrollmentStatusEnrolled {
		if err = releaseSeat(ctx, tx, enrollment.CourseID, now); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM enrollments WHERE id = $1`, enrollment.ID); err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment delete: %w", err)
	}
	return nil
}

// releaseSeat decrements the counter, guarded so it never goes below
// zero even if the counter has drifted.
func releaseSeat(ctx context.Context, tx *sqlx.Tx, courseID string, now time.Time) error {
	const release = `UPDATE courses SET current_enrollment = current_enrollment - 1, updated_at = $2
        WHERE id = $1 AND current_enrollment > 0`
	if _, err := tx.ExecContext(ctx, release, courseID, now); err != nil {
		return fmt.Errorf("release course seat: %w", err)
	}
	return nil
}
