package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campusiq/campus-api/internal/models"
	"github.com/campusiq/campus-api/internal/service"
	appErrors "github.com/campusiq/campus-api/pkg/errors"
	"github.com/campusiq/campus-api/pkg/response"
)

// CourseHandler handles catalog endpoints.
type CourseHandler struct {
	service *service.CourseService
}

// NewCourseHandler creates a new course handler.
func NewCourseHandler(svc *service.CourseService) *CourseHandler {
	return &CourseHandler{service: svc}
}

// List godoc
// @Summary List courses
// @Description Browse the course catalog with filters and pagination
// @Tags Courses
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param department query string false "Department filter"
// @Param semester query string false "Semester filter"
// @Param year query int false "Year filter"
// @Param instructor_id query string false "Instructor filter"
// @Param search query string false "Search in code and title"
// @Param available query bool false "Only courses with open seats"
// @Param include_all query bool false "Include inactive courses (admin)"
// @Success 200 {object} response.Envelope
// @Router /courses [get]
func (h *CourseHandler) List(c *gin.Context) {
	var filter models.CourseFilter

	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("page_size", "10")); err == nil {
		filter.PageSize = size
	}
	filter.Department = c.Query("department")
	filter.Semester = models.Semester(c.Query("semester"))
	if year, err := strconv.Atoi(c.Query("year")); err == nil {
		filter.Year = year
	}
	filter.InstructorID = c.Query("instructor_id")
	filter.Search = c.Query("search")
	if available := c.Query("available"); available != "" {
		if val, err := strconv.ParseBool(available); err == nil {
			filter.AvailableOnly = val
		}
	}
	if includeAll := c.Query("include_all"); includeAll != "" {
		if val, err := strconv.ParseBool(includeAll); err == nil {
			filter.IncludeAll = val
		}
	}
	filter.SortBy = c.Query("sort_by")
	filter.SortOrder = c.Query("sort_order")

	courses, pagination, err := h.service.List(c.Request.Context(), claimsFromContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, courses, pagination)
}

// Get godoc
// @Summary Get course
// @Description Get a course with instructor details
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id} [get]
func (h *CourseHandler) Get(c *gin.Context) {
	course, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// Create godoc
// @Summary Create course
// @Description Create a course offering. Instructor or admin.
// @Tags Courses
// @Accept json
// @Produce json
// @Param payload body service.CreateCourseRequest true "Create payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /courses [post]
func (h *CourseHandler) Create(c *gin.Context) {
	var req service.CreateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	course, err := h.service.Create(c.Request.Context(), claimsFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, course)
}

// Update godoc
// @Summary Update course
// @Description Update a course offering. Owning instructor or admin.
// @Tags Courses
// @Accept json
// @Produce json
// @Param id path string true "Course ID"
// @Param payload body service.UpdateCourseRequest true "Update payload"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id} [put]
func (h *CourseHandler) Update(c *gin.Context) {
	var req service.UpdateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	course, err := h.service.Update(c.Request.Context(), claimsFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// Delete godoc
// @Summary Deactivate course
// @Description Close a course to new enrollments, keeping history
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id} [delete]
func (h *CourseHandler) Delete(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), claimsFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusOK, "course deactivated")
}

// MyCourses godoc
// @Summary My courses
// @Description List courses taught by the authenticated instructor
// @Tags Courses
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /courses/my [get]
func (h *CourseHandler) MyCourses(c *gin.Context) {
	courses, err := h.service.MyCourses(c.Request.Context(), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, courses, nil)
}

// Roster godoc
// @Summary Course roster
// @Description List enrollments for a course. Owning instructor or admin.
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id}/enrollments [get]
func (h *CourseHandler) Roster(c *gin.Context) {
	roster, err := h.service.Roster(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roster, nil)
}

// ExportRoster godoc
// @Summary Export roster
// @Description Download the course roster as CSV or PDF
// @Tags Courses
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Course ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /courses/{id}/enrollments/export [get]
func (h *CourseHandler) ExportRoster(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	payload, contentType, err := h.service.ExportRoster(c.Request.Context(), claimsFromContext(c), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}

	ext := "csv"
	if strings.Contains(contentType, "pdf") {
		ext = "pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=roster.%s", ext))
	c.Data(http.StatusOK, contentType, payload)
}
