package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusiq/campus-api/internal/models"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
)

const (
	testStudentID = "6fa459ea-ee8a-4ca4-894e-db77e160355e"
	testCourseID  = "7fa459ea-ee8a-4ca4-894e-db77e160355f"
	testAdminID   = "8fa459ea-ee8a-4ca4-894e-db77e1603550"
)

type mockEnrollmentRepo struct {
	mu          sync.Mutex
	enrollments map[string]models.Enrollment
	pairs       map[string]bool
	course      *models.Course
	updated     *models.Enrollment
	deleted     []string
}

func pairKey(studentID, courseID string) string { return studentID + "/" + courseID }

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	return nil, 0, nil
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := m.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: e}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) Exists(ctx context.Context, studentID, courseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[pairKey(studentID, courseID)], nil
}

func (m *mockEnrollmentRepo) CreateEnrolled(ctx context.Context, enrollment *models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.course != nil {
		if !m.course.Active {
			return appErrors.Clone(appErrors.ErrNotFound, "course not found or inactive")
		}
		if !m.course.HasCapacity() {
			return appErrors.ErrCourseFull
		}
	}
	if m.pairs[pairKey(enrollment.StudentID, enrollment.CourseID)] {
		return appErrors.ErrAlreadyEnrolled
	}
	if enrollment.ID == "" {
		enrollment.ID = "enr-new"
	}
	enrollment.Status = models.EnrollmentStatusEnrolled
	if m.enrollments == nil {
		m.enrollments = make(map[string]models.Enrollment)
	}
	if m.pairs == nil {
		m.pairs = make(map[string]bool)
	}
	m.enrollments[enrollment.ID] = *enrollment
	m.pairs[pairKey(enrollment.StudentID, enrollment.CourseID)] = true
	if m.course != nil {
		m.course.CurrentEnrollment++
	}
	return nil
}

func (m *mockEnrollmentRepo) UpdateWithCounter(ctx context.Context, enrollment *models.Enrollment, prev models.EnrollmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.course != nil {
		switch models.CounterDelta(prev, enrollment.Status) {
		case 1:
			if !m.course.Active || !m.course.HasCapacity() {
				return appErrors.ErrCourseFull
			}
			m.course.CurrentEnrollment++
		case -1:
			if m.course.CurrentEnrollment > 0 {
				m.course.CurrentEnrollment--
			}
		}
	}
	m.enrollments[enrollment.ID] = *enrollment
	m.updated = enrollment
	return nil
}

func (m *mockEnrollmentRepo) DeleteWithCounter(ctx context.Context, enrollment *models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enrollments, enrollment.ID)
	m.deleted = append(m.deleted, enrollment.ID)
	if m.course != nil && enrollment.Status == models.EnrollmentStatusEnrolled && m.course.CurrentEnrollment > 0 {
		m.course.CurrentEnrollment--
	}
	return nil
}

type mockCourseReader struct {
	course *models.Course
}

func (m *mockCourseReader) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if m.course == nil || m.course.ID != id {
		return nil, sql.ErrNoRows
	}
	c := *m.course
	return &c, nil
}

type mockUserReader struct {
	users  map[string]models.User
	audits []models.AuditLog
}

func (m *mockUserReader) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserReader) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	m.audits = append(m.audits, *entry)
	return nil
}

type mockInvalidator struct {
	mu       sync.Mutex
	patterns []string
}

func (m *mockInvalidator) DeleteByPattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, pattern)
	return nil
}

func newTestEnrollmentService(repo *mockEnrollmentRepo, course *models.Course, users map[string]models.User) (*EnrollmentService, *mockInvalidator) {
	invalidator := &mockInvalidator{}
	svc := NewEnrollmentService(repo, &mockCourseReader{course: course}, &mockUserReader{users: users}, invalidator, validator.New(), zap.NewNop())
	return svc, invalidator
}

func activeStudent(id string) models.User {
	return models.User{ID: id, Role: models.RoleStudent, Active: true}
}

func studentClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleStudent}
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: testAdminID, Role: models.RoleAdmin}
}

func TestEnrollmentServiceEnroll(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, MaxStudents: 30, CurrentEnrollment: 0}
	repo := &mockEnrollmentRepo{course: course}
	svc, invalidator := newTestEnrollmentService(repo, course, map[string]models.User{testStudentID: activeStudent(testStudentID)})

	enrollment, err := svc.Enroll(context.Background(), studentClaims(testStudentID), EnrollRequest{
		StudentID: testStudentID,
		CourseID:  testCourseID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusEnrolled, enrollment.Status)
	assert.Equal(t, 1, course.CurrentEnrollment)
	assert.NotEmpty(t, invalidator.patterns)
}

func TestEnrollmentServiceEnrollForbiddenForOthers(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, MaxStudents: 30}
	repo := &mockEnrollmentRepo{course: course}
	svc, _ := newTestEnrollmentService(repo, course, map[string]models.User{testStudentID: activeStudent(testStudentID)})

	_, err := svc.Enroll(context.Background(), studentClaims(testAdminID), EnrollRequest{
		StudentID: testStudentID,
		CourseID:  testCourseID,
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestEnrollmentServiceEnrollDuplicate(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, MaxStudents: 30}
	repo := &mockEnrollmentRepo{course: course, pairs: map[string]bool{pairKey(testStudentID, testCourseID): true}}
	svc, _ := newTestEnrollmentService(repo, course, map[string]models.User{testStudentID: activeStudent(testStudentID)})

	_, err := svc.Enroll(context.Background(), studentClaims(testStudentID), EnrollRequest{
		StudentID: testStudentID,
		CourseID:  testCourseID,
	})
	require.ErrorIs(t, err, appErrors.ErrAlreadyEnrolled)
}

func TestEnrollmentServiceEnrollCourseFull(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, MaxStudents: 1, CurrentEnrollment: 1}
	repo := &mockEnrollmentRepo{course: course}
	svc, _ := newTestEnrollmentService(repo, course, map[string]models.User{testStudentID: activeStudent(testStudentID)})

	_, err := svc.Enroll(context.Background(), studentClaims(testStudentID), EnrollRequest{
		StudentID: testStudentID,
		CourseID:  testCourseID,
	})
	require.ErrorIs(t, err, appErrors.ErrCourseFull)
}

func TestEnrollmentServiceEnrollLastSeatRace(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, MaxStudents: 1}
	repo := &mockEnrollmentRepo{course: course}

	students := map[string]models.User{}
	ids := []string{
		"00000000-0000-4000-8000-000000000001",
		"00000000-0000-4000-8000-000000000002",
		"00000000-0000-4000-8000-000000000003",
		"00000000-0000-4000-8000-000000000004",
	}
	for _, id := range ids {
		students[id] = activeStudent(id)
	}
	svc, _ := newTestEnrollmentService(repo, course, students)

	var wg sync.WaitGroup
	results := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(studentID string) {
			defer wg.Done()
			_, err := svc.Enroll(context.Background(), studentClaims(studentID), EnrollRequest{
				StudentID: studentID,
				CourseID:  testCourseID,
			})
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	var successes, fulls int
	for err := range results {
		if err == nil {
			successes++
		} else if errors.Is(err, appErrors.ErrCourseFull) {
			fulls++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, len(ids)-1, fulls)
	assert.Equal(t, 1, course.CurrentEnrollment)
}

func TestEnrollmentServiceUpdateGrade(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, MaxStudents: 30, CurrentEnrollment: 1, InstructorID: "instructor-1"}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusEnrolled},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	grade := "A-"
	status := models.EnrollmentStatusCompleted
	instructor := &models.JWTClaims{UserID: "instructor-1", Role: models.RoleInstructor}
	updated, err := svc.Update(context.Background(), instructor, "enr-1", UpdateEnrollmentRequest{Status: &status, Grade: &grade})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, updated.Status)
	require.NotNil(t, updated.GradePoints)
	assert.InDelta(t, 3.7, *updated.GradePoints, 0.001)
	require.NotNil(t, updated.CompletionDate)
	assert.Equal(t, 0, course.CurrentEnrollment)
}

func TestEnrollmentServiceUpdateRejectsUnknownGrade(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, InstructorID: "instructor-1"}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusEnrolled},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	grade := "Z"
	instructor := &models.JWTClaims{UserID: "instructor-1", Role: models.RoleInstructor}
	_, err := svc.Update(context.Background(), instructor, "enr-1", UpdateEnrollmentRequest{Grade: &grade})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestEnrollmentServiceUpdateForbiddenForOtherInstructor(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, InstructorID: "instructor-1"}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusEnrolled},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	status := models.EnrollmentStatusCompleted
	other := &models.JWTClaims{UserID: "instructor-2", Role: models.RoleInstructor}
	_, err := svc.Update(context.Background(), other, "enr-1", UpdateEnrollmentRequest{Status: &status})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestEnrollmentServiceUpdateNoDeltaKeepsCounter(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, MaxStudents: 30, CurrentEnrollment: 5, InstructorID: "instructor-1"}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusCompleted},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	status := models.EnrollmentStatusWithdrawn
	_, err := svc.Update(context.Background(), adminClaims(), "enr-1", UpdateEnrollmentRequest{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, 5, course.CurrentEnrollment)
}

func TestEnrollmentServiceUpdateReEnrollChecksCapacity(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, MaxStudents: 1, CurrentEnrollment: 1, InstructorID: "instructor-1"}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusDropped},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	status := models.EnrollmentStatusEnrolled
	_, err := svc.Update(context.Background(), adminClaims(), "enr-1", UpdateEnrollmentRequest{Status: &status})
	require.ErrorIs(t, err, appErrors.ErrCourseFull)
}

func TestEnrollmentServiceWithdrawBeforeStart(t *testing.T) {
	course := &models.Course{
		ID:                testCourseID,
		Active:            true,
		MaxStudents:       30,
		CurrentEnrollment: 1,
		StartDate:         time.Now().Add(24 * time.Hour),
	}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusEnrolled},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	enrollment, err := svc.Withdraw(context.Background(), studentClaims(testStudentID), "enr-1")
	require.NoError(t, err)
	assert.Nil(t, enrollment)
	assert.Equal(t, []string{"enr-1"}, repo.deleted)
	assert.Equal(t, 0, course.CurrentEnrollment)
}

func TestEnrollmentServiceWithdrawAfterStart(t *testing.T) {
	course := &models.Course{
		ID:                testCourseID,
		Active:            true,
		MaxStudents:       30,
		CurrentEnrollment: 1,
		StartDate:         time.Now().Add(-24 * time.Hour),
	}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusEnrolled},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	enrollment, err := svc.Withdraw(context.Background(), studentClaims(testStudentID), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, enrollment.Status)
	require.NotNil(t, enrollment.CompletionDate)
	assert.Equal(t, 0, course.CurrentEnrollment)
}

func TestEnrollmentServiceWithdrawNonEnrolledKeepsCounter(t *testing.T) {
	course := &models.Course{
		ID:                testCourseID,
		Active:            true,
		MaxStudents:       30,
		CurrentEnrollment: 5,
		StartDate:         time.Now().Add(-24 * time.Hour),
	}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusCompleted},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	enrollment, err := svc.Withdraw(context.Background(), studentClaims(testStudentID), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, enrollment.Status)
	assert.Equal(t, 5, course.CurrentEnrollment)
}

func TestEnrollmentServiceWithdrawForbiddenForOtherStudent(t *testing.T) {
	course := &models.Course{ID: testCourseID, Active: true, CurrentEnrollment: 1, MaxStudents: 30}
	repo := &mockEnrollmentRepo{
		course: course,
		enrollments: map[string]models.Enrollment{
			"enr-1": {ID: "enr-1", StudentID: testStudentID, CourseID: testCourseID, Status: models.EnrollmentStatusEnrolled},
		},
	}
	svc, _ := newTestEnrollmentService(repo, course, nil)

	_, err := svc.Withdraw(context.Background(), studentClaims(testAdminID), "enr-1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
	assert.Empty(t, repo.deleted)
	assert.Equal(t, 1, course.CurrentEnrollment)
}
