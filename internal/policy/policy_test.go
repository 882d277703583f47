package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campusiq/campus-api/internal/models"
)

func claims(id string, role models.UserRole) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: role}
}

func TestCanReadUser(t *testing.T) {
	assert.True(t, CanReadUser(claims("u1", models.RoleStudent), "u1"))
	assert.False(t, CanReadUser(claims("u1", models.RoleStudent), "u2"))
	assert.True(t, CanReadUser(claims("a1", models.RoleAdmin), "u2"))
	assert.False(t, CanReadUser(nil, "u1"))
}

func TestCanDeleteUser(t *testing.T) {
	assert.True(t, CanDeleteUser(claims("a1", models.RoleAdmin), "u1"))
	assert.False(t, CanDeleteUser(claims("a1", models.RoleAdmin), "a1"), "admins cannot delete themselves")
	assert.False(t, CanDeleteUser(claims("u1", models.RoleStudent), "u1"))
}

func TestCanWriteCourse(t *testing.T) {
	course := &models.Course{ID: "c1", InstructorID: "i1"}
	assert.True(t, CanWriteCourse(claims("i1", models.RoleInstructor), course))
	assert.False(t, CanWriteCourse(claims("i2", models.RoleInstructor), course))
	assert.True(t, CanWriteCourse(claims("a1", models.RoleAdmin), course))
	assert.False(t, CanWriteCourse(claims("s1", models.RoleStudent), course))
}

func TestCanEnroll(t *testing.T) {
	assert.True(t, CanEnroll(claims("s1", models.RoleStudent), "s1"))
	assert.False(t, CanEnroll(claims("s1", models.RoleStudent), "s2"))
	assert.True(t, CanEnroll(claims("a1", models.RoleAdmin), "s2"))
	assert.False(t, CanEnroll(claims("i1", models.RoleInstructor), "s2"))
}

func TestCanReadEnrollment(t *testing.T) {
	course := &models.Course{ID: "c1", InstructorID: "i1"}
	enrollment := &models.Enrollment{ID: "e1", StudentID: "s1", CourseID: "c1"}

	assert.True(t, CanReadEnrollment(claims("s1", models.RoleStudent), enrollment, course))
	assert.False(t, CanReadEnrollment(claims("s2", models.RoleStudent), enrollment, course))
	assert.True(t, CanReadEnrollment(claims("i1", models.RoleInstructor), enrollment, course))
	assert.False(t, CanReadEnrollment(claims("i2", models.RoleInstructor), enrollment, course))
	assert.True(t, CanReadEnrollment(claims("a1", models.RoleAdmin), enrollment, course))
}

func TestCanWithdraw(t *testing.T) {
	enrollment := &models.Enrollment{ID: "e1", StudentID: "s1"}
	assert.True(t, CanWithdraw(claims("s1", models.RoleStudent), enrollment))
	assert.False(t, CanWithdraw(claims("s2", models.RoleStudent), enrollment))
	assert.True(t, CanWithdraw(claims("a1", models.RoleAdmin), enrollment))
}
