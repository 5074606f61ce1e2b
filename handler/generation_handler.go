package handler

import (
	"net/http"

	"github.com/courseloom/courseloom/repository"
	"github.com/courseloom/courseloom/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type GenerationHandler struct {
	generation   service.GenerationService
	snapshotRepo repository.SnapshotRepository
}

func NewGenerationHandler(generation service.GenerationService, snapshotRepo repository.SnapshotRepository) *GenerationHandler {
	return &GenerationHandler{generation: generation, snapshotRepo: snapshotRepo}
}

type generateRequest struct {
	NodeID *uuid.UUID `json:"node_id"`
	Mode   string     `json:"mode" binding:"required"`
}

// POST /api/courses/:course_id/generate
//
// 200 with the snapshot when an identical result already exists, 202 with
// the job and its estimate otherwise.
func (h *GenerationHandler) Generate(c *gin.Context) {
	courseID, ok := parseUUIDParam(c, "course_id")
	if !ok {
		return
	}
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_failed"})
		return
	}

	result, err := h.generation.GenerateForSubtree(c.Request.Context(), courseID, req.NodeID, req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Snapshot != nil {
		c.JSON(http.StatusOK, gin.H{"snapshot": result.Snapshot, "cached": true})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job":      result.Job,
		"estimate": result.Estimate,
		"plan":     result.Plan,
	})
}

// GET /api/snapshots/:snapshot_id
func (h *GenerationHandler) GetSnapshot(c *gin.Context) {
	snapshotID, ok := parseUUIDParam(c, "snapshot_id")
	if !ok {
		return
	}
	snap, err := h.snapshotRepo.GetByID(snapshotID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /api/courses/:course_id/snapshots/latest?node_id=...&mode=free
func (h *GenerationHandler) LatestSnapshot(c *gin.Context) {
	courseID, ok := parseUUIDParam(c, "course_id")
	if !ok {
		return
	}
	nodeID := uuid.Nil
	if raw := c.Query("node_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node_id", "code": "validation_failed"})
			return
		}
		nodeID = parsed
	}
	mode := c.DefaultQuery("mode", "free")

	snap, err := h.snapshotRepo.LatestForScope(courseID, nodeID, mode)
	if err != nil {
		respondError(c, err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for scope", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
