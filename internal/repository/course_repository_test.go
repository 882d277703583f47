package repository

import (
	"context"
	"database/sql"
	"errors"
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

func courseRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "code", "title", "description", "credits", "department", "semester", "year",
		"max_students", "current_enrollment", "instructor_id", "location", "is_active",
		"start_date", "end_date", "created_at", "updated_at",
	}).AddRow("course-1", "CS101", "Intro to Computing", nil, 3, "Computer Science", models.SemesterFall, 2026,
		30, 12, "instructor-1", nil, true, now, now.AddDate(0, 4, 0), now, now)
}

func TestCourseRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	mock.ExpectQuery("SELECT id, code, title").
		WithArgs("course-1").
		WillReturnRows(courseRows())

	course, err := repo.FindByID(context.Background(), "course-1")
	require.NoError(t, err)
	assert.Equal(t, "CS101", course.Code)
	assert.True(t, course.HasCapacity())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	mock.ExpectQuery("SELECT id, code, title").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	require.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestCourseRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "code", "title", "description", "credits", "department", "semester", "year",
		"max_students", "current_enrollment", "instructor_id", "location", "is_active",
		"start_date", "end_date", "created_at", "updated_at",
		"instructor_first_name", "instructor_last_name", "instructor_email",
	}).AddRow("course-1", "CS101", "Intro to Computing", nil, 3, "Computer Science", models.SemesterFall, 2026,
		30, 12, "instructor-1", nil, true, now, now.AddDate(0, 4, 0), now, now,
		"Grace", "Hopper", "grace@example.edu")

	mock.ExpectQuery("SELECT c.id, c.code").
		WithArgs("Computer Science", models.SemesterFall).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs("Computer Science", models.SemesterFall).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	courses, total, err := repo.List(context.Background(), models.CourseFilter{
		Department: "Computer Science",
		Semester:   models.SemesterFall,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, courses, 1)
	assert.Equal(t, "Grace", courses[0].InstructorFirstName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryListSearchMatchesDescription(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "code", "title", "description", "credits", "department", "semester", "year",
		"max_students", "current_enrollment", "instructor_id", "location", "is_active",
		"start_date", "end_date", "created_at", "updated_at",
		"instructor_first_name", "instructor_last_name", "instructor_email",
	}).AddRow("course-1", "CS201", "Data Structures", "Covers recursion and trees", 3, "Computer Science", models.SemesterFall, 2026,
		30, 12, "instructor-1", nil, true, now, now.AddDate(0, 4, 0), now, now,
		"Grace", "Hopper", "grace@example.edu")

	mock.ExpectQuery(regexp.QuoteMeta("(c.code ILIKE $1 OR c.title ILIKE $1 OR c.description ILIKE $1)")).
		WithArgs("%recursion%").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs("%recursion%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	courses, total, err := repo.List(context.Background(), models.CourseFilter{Search: "recursion"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, courses, 1)
	assert.Equal(t, "CS201", courses[0].Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryCreateDuplicateCode(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO courses")).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Create(context.Background(), &models.Course{Code: "CS101", InstructorID: "instructor-1"})
	require.ErrorIs(t, err, appErrors.ErrCourseCodeTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryDeactivateMissing(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE courses SET is_active = FALSE")).
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Deactivate(context.Background(), "missing")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}
