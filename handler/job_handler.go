package handler

import (
	"errors"
	"net/http"

	"github.com/courseloom/courseloom/repository"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type JobHandler struct {
	jobRepo repository.JobRepository
}

func NewJobHandler(jobRepo repository.JobRepository) *JobHandler {
	return &JobHandler{jobRepo: jobRepo}
}

// GET /api/jobs/:job_id
func (h *JobHandler) Get(c *gin.Context) {
	jobID, ok := parseUUIDParam(c, "job_id")
	if !ok {
		return
	}
	job, err := h.jobRepo.GetByID(jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "code": "not_found"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GET /api/courses/:course_id/jobs
func (h *JobHandler) ListByCourse(c *gin.Context) {
	courseID, ok := parseUUIDParam(c, "course_id")
	if !ok {
		return
	}
	jobs, err := h.jobRepo.GetByCourse(courseID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
