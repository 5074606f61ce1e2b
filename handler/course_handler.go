package handler

import (
	"errors"
	"net/http"

	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/repository"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CourseHandler struct {
	courseRepo repository.CourseRepository
}

func NewCourseHandler(courseRepo repository.CourseRepository) *CourseHandler {
	return &CourseHandler{courseRepo: courseRepo}
}

type createCourseRequest struct {
	OwnerID uuid.UUID `json:"owner_id" binding:"required"`
	Title   string    `json:"title" binding:"required"`
}

// POST /api/courses
func (h *CourseHandler) Create(c *gin.Context) {
	var req createCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_failed"})
		return
	}
	course := &models.Course{OwnerID: req.OwnerID, Title: req.Title}
	if err := h.courseRepo.Create(course); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, course)
}

// GET /api/courses/:course_id
func (h *CourseHandler) Get(c *gin.Context) {
	courseID, ok := parseUUIDParam(c, "course_id")
	if !ok {
		return
	}
	course, err := h.courseRepo.GetByID(courseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "course not found", "code": "not_found"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, course)
}

// GET /api/courses?owner_id=...
func (h *CourseHandler) List(c *gin.Context) {
	ownerID, err := uuid.Parse(c.Query("owner_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner_id", "code": "validation_failed"})
		return
	}
	courses, err := h.courseRepo.GetByOwner(ownerID, -1, -1)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"courses": courses})
}
