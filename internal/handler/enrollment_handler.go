package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campusiq/campus-api/internal/models"
	"github.com/campusiq/campus-api/internal/service"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
	"github.com/campusiq/campus-api/pkg/response"
)

// EnrollmentHandler handles enrollment lifecycle endpoints.
type EnrollmentHandler struct {
	service *service.EnrollmentService
}

// NewEnrollmentHandler creates a new enrollment handler.
func NewEnrollmentHandler(svc *service.EnrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{service: svc}
}

// Enroll godoc
// @Summary Enroll in course
// @Description Enroll a student into a course; capacity is enforced atomically
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.EnrollRequest true "Enroll payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	var req service.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	claims := claimsFromContext(c)
	if claims != nil && claims.Role == models.RoleStudent && req.StudentID == "" {
		req.StudentID = claims.UserID
	}

	enrollment, err := h.service.Enroll(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// List godoc
// @Summary List enrollments
// @Description List all enrollments with filters. Admin only.
// @Tags Enrollments
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param student_id query string false "Student filter"
// @Param course_id query string false "Course filter"
// @Param status query string false "Status filter"
// @Param semester query string false "Semester filter"
// @Param year query int false "Year filter"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	filter := enrollmentFilterFromQuery(c)
	filter.StudentID = c.Query("student_id")

	enrollments, pagination, err := h.service.List(c.Request.Context(), claimsFromContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// ListMine godoc
// @Summary My enrollments
// @Description List the authenticated student's enrollments
// @Tags Enrollments
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param status query string false "Status filter"
// @Success 200 {object} response.Envelope
// @Router /enrollments/my [get]
func (h *EnrollmentHandler) ListMine(c *gin.Context) {
	enrollments, pagination, err := h.service.ListMine(c.Request.Context(), claimsFromContext(c), enrollmentFilterFromQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get enrollment
// @Description Get an enrollment with student and course context
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.service.Get(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Update godoc
// @Summary Update enrollment
// @Description Change status, grade or notes. Course instructor or admin.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.UpdateEnrollmentRequest true "Update payload"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /enrollments/{id} [put]
func (h *EnrollmentHandler) Update(c *gin.Context) {
	var req service.UpdateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	enrollment, err := h.service.Update(c.Request.Context(), claimsFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Withdraw godoc
// @Summary Withdraw from course
// @Description Drop before the course starts, withdraw afterwards
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /enrollments/{id} [delete]
func (h *EnrollmentHandler) Withdraw(c *gin.Context) {
	enrollment, err := h.service.Withdraw(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if enrollment == nil {
		response.Message(c, http.StatusOK, "dropped from course")
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

func enrollmentFilterFromQuery(c *gin.Context) models.EnrollmentFilter {
	var filter models.EnrollmentFilter
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("page_size", "10")); err == nil {
		filter.PageSize = size
	}
	filter.CourseID = c.Query("course_id")
	filter.Status = models.EnrollmentStatus(c.Query("status"))
	filter.Semester = models.Semester(c.Query("semester"))
	if year, err := strconv.Atoi(c.Query("year")); err == nil {
		filter.Year = year
	}
	filter.SortBy = c.Query("sort_by")
	filter.SortOrder = c.Query("sort_order")
	return filter
}
