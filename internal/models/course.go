package models

import (
	"regexp"
	"time"
)

// Semester enumerates the offered terms.
type Semester string

const (
	SemesterSpring Semester = "Spring"
	SemesterSummer Semester = "Summer"
	SemesterFall   Semester = "Fall"
	SemesterWinter Semester = "Winter"
)

// Valid reports whether the semester is a known value.
func (s Semester) Valid() bool {
	switch s {
	case SemesterSpring, SemesterSummer, SemesterFall, SemesterWinter:
		return true
	}
	return false
}

// CourseCodePattern constrains course codes, e.g. CS101 or MATH2001.
var CourseCodePattern = regexp.MustCompile(`^[A-Z]{2,4}[0-9]{3,4}$`)

// Course represents a scheduled course offering.
type Course struct {
	ID                string    `db:"id" json:"id"`
	Code              string    `db:"code" json:"code"`
	Title             string    `db:"title" json:"title"`
	Description       *string   `db:"description" json:"description,omitempty"`
	Credits           int       `db:"credits" json:"credits"`
	Department        string    `db:"department" json:"department"`
	Semester          Semester  `db:"semester" json:"semester"`
	Year              int       `db:"year" json:"year"`
	MaxStudents       int       `db:"max_students" json:"max_students"`
	CurrentEnrollment int       `db:"current_enrollment" json:"current_enrollment"`
	InstructorID      string    `db:"instructor_id" json:"instructor_id"`
	Location          *string   `db:"location" json:"location,omitempty"`
	Active            bool      `db:"is_active" json:"is_active"`
	StartDate         time.Time `db:"start_date" json:"start_date"`
	EndDate           time.Time `db:"end_date" json:"end_date"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// HasCapacity reports whether another student can enroll.
func (c *Course) HasCapacity() bool {
	return c.CurrentEnrollment < c.MaxStudents
}

// Started reports whether the course has begun as of the given time.
func (c *Course) Started(now time.Time) bool {
	return !c.StartDate.After(now)
}

// CourseDetail enriches Course with instructor info for responses.
type CourseDetail struct {
	Course
	InstructorFirstName string `db:"instructor_first_name" json:"instructor_first_name"`
	InstructorLastName  string `db:"instructor_last_name" json:"instructor_last_name"`
	InstructorEmail     string `db:"instructor_email" json:"instructor_email"`
}

// CourseFilter provides filters for listing the course catalog.
type CourseFilter struct {
	Department    string
	Semester      Semester
	Year          int
	InstructorID  string
	Search        string
	AvailableOnly bool
	IncludeAll    bool // include inactive courses; admin listings only
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}
