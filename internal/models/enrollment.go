package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusEnrolled  EnrollmentStatus = "enrolled"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusDropped   EnrollmentStatus = "dropped"
	EnrollmentStatusWithdrawn EnrollmentStatus = "withdrawn"
)

// Valid reports whether the status is a known value.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusEnrolled, EnrollmentStatusCompleted, EnrollmentStatusDropped, EnrollmentStatusWithdrawn:
		return true
	}
	return false
}

// GradePointScale maps accepted grade letters to their point value.
// I (incomplete) and W (withdrawn) carry no points.
var GradePointScale = map[string]float64{
	"A+": 4.0, "A": 4.0, "A-": 3.7,
	"B+": 3.3, "B": 3.0, "B-": 2.7,
	"C+": 2.3, "C": 2.0, "C-": 1.7,
	"D+": 1.3, "D": 1.0, "D-": 0.7,
	"F": 0.0, "I": 0.0, "W": 0.0,
}

// ValidGrade reports whether the letter belongs to the accepted set.
func ValidGrade(letter string) bool {
	_, ok := GradePointScale[letter]
	return ok
}

// Enrollment joins a student to a course offering.
type Enrollment struct {
	ID             string           `db:"id" json:"id"`
	StudentID      string           `db:"student_id" json:"student_id"`
	CourseID       string           `db:"course_id" json:"course_id"`
	Status         EnrollmentStatus `db:"status" json:"status"`
	Grade          *string          `db:"grade" json:"grade,omitempty"`
	GradePoints    *float64         `db:"grade_points" json:"grade_points,omitempty"`
	EnrollmentDate time.Time        `db:"enrollment_date" json:"enrollment_date"`
	CompletionDate *time.Time       `db:"completion_date" json:"completion_date,omitempty"`
	Notes          *string          `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// CounterDelta returns the change to a course's enrolled counter when
// moving between the two statuses.
func CounterDelta(prev, next EnrollmentStatus) int {
	switch {
	case prev == EnrollmentStatusEnrolled && next != EnrollmentStatusEnrolled:
		return -1
	case prev != EnrollmentStatusEnrolled && next == EnrollmentStatusEnrolled:
		return 1
	}
	return 0
}

// EnrollmentDetail enriches Enrollment with student and course context.
type EnrollmentDetail struct {
	Enrollment
	StudentFirstName string   `db:"student_first_name" json:"student_first_name"`
	StudentLastName  string   `db:"student_last_name" json:"student_last_name"`
	StudentEmail     string   `db:"student_email" json:"student_email"`
	CourseCode       string   `db:"course_code" json:"course_code"`
	CourseTitle      string   `db:"course_title" json:"course_title"`
	CourseCredits    int      `db:"course_credits" json:"course_credits"`
	CourseSemester   Semester `db:"course_semester" json:"course_semester"`
	CourseYear       int      `db:"course_year" json:"course_year"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
	Status    EnrollmentStatus
	Semester  Semester
	Year      int
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
