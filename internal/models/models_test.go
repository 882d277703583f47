package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPagination(t *testing.T) {
	p := NewPagination(2, 10, 25)
	assert.Equal(t, 3, p.TotalPages)
	assert.True(t, p.HasNextPage)
	assert.True(t, p.HasPrevPage)

	p = NewPagination(3, 10, 25)
	assert.False(t, p.HasNextPage)
	assert.True(t, p.HasPrevPage)

	p = NewPagination(1, 10, 0)
	assert.Equal(t, 0, p.TotalPages)
	assert.False(t, p.HasNextPage)
	assert.False(t, p.HasPrevPage)
}

func TestCounterDelta(t *testing.T) {
	cases := []struct {
		prev, next EnrollmentStatus
		want       int
	}{
		{EnrollmentStatusEnrolled, EnrollmentStatusDropped, -1},
		{EnrollmentStatusEnrolled, EnrollmentStatusCompleted, -1},
		{EnrollmentStatusEnrolled, EnrollmentStatusWithdrawn, -1},
		{EnrollmentStatusDropped, EnrollmentStatusEnrolled, 1},
		{EnrollmentStatusWithdrawn, EnrollmentStatusEnrolled, 1},
		{EnrollmentStatusCompleted, EnrollmentStatusWithdrawn, 0},
		{EnrollmentStatusDropped, EnrollmentStatusCompleted, 0},
		{EnrollmentStatusEnrolled, EnrollmentStatusEnrolled, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CounterDelta(tc.prev, tc.next), "%s -> %s", tc.prev, tc.next)
	}
}

func TestValidGrade(t *testing.T) {
	assert.True(t, ValidGrade("A+"))
	assert.True(t, ValidGrade("D-"))
	assert.True(t, ValidGrade("W"))
	assert.False(t, ValidGrade("E"))
	assert.False(t, ValidGrade("a"))
}

func TestCourseCodePattern(t *testing.T) {
	assert.True(t, CourseCodePattern.MatchString("CS101"))
	assert.True(t, CourseCodePattern.MatchString("MATH2001"))
	assert.False(t, CourseCodePattern.MatchString("C101"))
	assert.False(t, CourseCodePattern.MatchString("cs101"))
	assert.False(t, CourseCodePattern.MatchString("COMPSCI101"))
}
