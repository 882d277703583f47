// Package policy centralises every role-based access decision as pure
// predicates over the authenticated actor and the target resource.
// Services consult these before attempting a mutation; a false result
// maps to a Forbidden error at the caller.
package policy

import "github.com/campusiq/campus-api/internal/models"

// IsAdmin reports whether the actor holds the admin role.
func IsAdmin(actor *models.JWTClaims) bool {
	return actor != nil && actor.Role == models.RoleAdmin
}

// CanListUsers restricts the user directory to admins.
func CanListUsers(actor *models.JWTClaims) bool {
	return IsAdmin(actor)
}

// CanReadUser allows a user to read their own profile, admins any.
func CanReadUser(actor *models.JWTClaims, targetID string) bool {
	if actor == nil {
		return false
	}
	return IsAdmin(actor) || actor.UserID == targetID
}

// CanUpdateUser mirrors CanReadUser: self or admin.
func CanUpdateUser(actor *models.JWTClaims, targetID string) bool {
	return CanReadUser(actor, targetID)
}

// CanChangeUserRole restricts role and active-flag changes to admins.
func CanChangeUserRole(actor *models.JWTClaims) bool {
	return IsAdmin(actor)
}

// CanDeleteUser allows admins to delete any account except their own.
func CanDeleteUser(actor *models.JWTClaims, targetID string) bool {
	return IsAdmin(actor) && actor.UserID != targetID
}

// CanCreateCourse allows instructors and admins to create offerings.
func CanCreateCourse(actor *models.JWTClaims) bool {
	if actor == nil {
		return false
	}
	return actor.Role == models.RoleInstructor || actor.Role == models.RoleAdmin
}

// CanWriteCourse allows the owning instructor or an admin to mutate a
// course. Course reads are public and need no predicate.
func CanWriteCourse(actor *models.JWTClaims, course *models.Course) bool {
	if actor == nil || course == nil {
		return false
	}
	if IsAdmin(actor) {
		return true
	}
	return actor.Role == models.RoleInstructor && actor.UserID == course.InstructorID
}

// CanViewRoster allows the owning instructor or an admin to list the
// enrollments of a course.
func CanViewRoster(actor *models.JWTClaims, course *models.Course) bool {
	return CanWriteCourse(actor, course)
}

// CanEnroll allows a student to enroll themselves, or an admin to
// enroll any student.
func CanEnroll(actor *models.JWTClaims, studentID string) bool {
	if actor == nil {
		return false
	}
	if IsAdmin(actor) {
		return true
	}
	return actor.Role == models.RoleStudent && actor.UserID == studentID
}

// CanReadEnrollment allows the enrolled student, the course's
// instructor, or an admin.
func CanReadEnrollment(actor *models.JWTClaims, enrollment *models.Enrollment, course *models.Course) bool {
	if actor == nil || enrollment == nil {
		return false
	}
	if IsAdmin(actor) || actor.UserID == enrollment.StudentID {
		return true
	}
	return course != nil && actor.Role == models.RoleInstructor && actor.UserID == course.InstructorID
}

// CanGradeEnrollment restricts grade and status writes to the course's
// instructor or an admin.
func CanGradeEnrollment(actor *models.JWTClaims, course *models.Course) bool {
	if actor == nil || course == nil {
		return false
	}
	if IsAdmin(actor) {
		return true
	}
	return actor.Role == models.RoleInstructor && actor.UserID == course.InstructorID
}

// CanWithdraw allows the enrolled student or an admin to drop or
// withdraw an enrollment.
func CanWithdraw(actor *models.JWTClaims, enrollment *models.Enrollment) bool {
	if actor == nil || enrollment == nil {
		return false
	}
	return IsAdmin(actor) || actor.UserID == enrollment.StudentID
}
