package models

import (
	"math"
	"time"
)

// UserRole represents the available roles for access control.
type UserRole string

const (
	RoleAdmin      UserRole = "admin"
	RoleInstructor UserRole = "instructor"
	RoleStudent    UserRole = "student"
)

// Valid reports whether the role is one of the known values.
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleInstructor, RoleStudent:
		return true
	}
	return false
}

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	Role         UserRole   `db:"role" json:"role"`
	Active       bool       `db:"is_active" json:"is_active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	ProfileImage *string    `db:"profile_image" json:"profile_image,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// UserStats aggregates account counts for the admin dashboard.
type UserStats struct {
	TotalUsers       int       `db:"total_users" json:"total_users"`
	ActiveUsers      int       `db:"active_users" json:"active_users"`
	InactiveUsers    int       `json:"inactive_users"`
	TotalStudents    int       `db:"total_students" json:"total_students"`
	TotalInstructors int       `db:"total_instructors" json:"total_instructors"`
	TotalAdmins      int       `db:"total_admins" json:"total_admins"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page        int  `json:"page"`
	PageSize    int  `json:"page_size"`
	TotalCount  int  `json:"total_count"`
	TotalPages  int  `json:"total_pages"`
	HasNextPage bool `json:"has_next_page"`
	HasPrevPage bool `json:"has_previous_page"`
}

// NewPagination derives page math from totals. Page and size are assumed
// to be normalized by the repository bounds already.
func NewPagination(page, pageSize, totalCount int) *Pagination {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	totalPages := int(math.Ceil(float64(totalCount) / float64(pageSize)))
	return &Pagination{
		Page:        page,
		PageSize:    pageSize,
		TotalCount:  totalCount,
		TotalPages:  totalPages,
		HasNextPage: page < totalPages,
		HasPrevPage: page > 1,
	}
}
