package handler

import (
	"errors"
	"net/http"

	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/repository"
	"github.com/courseloom/courseloom/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TreeHandler struct {
	tree      service.TreeService
	nodeRepo  repository.NodeRepository
	entryRepo repository.EntryRepository
}

func NewTreeHandler(tree service.TreeService, nodeRepo repository.NodeRepository, entryRepo repository.EntryRepository) *TreeHandler {
	return &TreeHandler{tree: tree, nodeRepo: nodeRepo, entryRepo: entryRepo}
}

type createNodeRequest struct {
	ParentID *uuid.UUID `json:"parent_id"`
	Title    string     `json:"title" binding:"required"`
}

// POST /api/courses/:course_id/nodes
func (h *TreeHandler) CreateNode(c *gin.Context) {
	courseID, ok := parseUUIDParam(c, "course_id")
	if !ok {
		return
	}
	var req createNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_failed"})
		return
	}
	node, err := h.tree.CreateNode(courseID, req.ParentID, req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

// GET /api/courses/:course_id/nodes
func (h *TreeHandler) ListNodes(c *gin.Context) {
	courseID, ok := parseUUIDParam(c, "course_id")
	if !ok {
		return
	}
	nodes, err := h.nodeRepo.GetByCourse(courseID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

type moveNodeRequest struct {
	NewParentID *uuid.UUID `json:"new_parent_id"`
}

// POST /api/nodes/:node_id/move
func (h *TreeHandler) MoveNode(c *gin.Context) {
	nodeID, ok := parseUUIDParam(c, "node_id")
	if !ok {
		return
	}
	var req moveNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_failed"})
		return
	}
	node, err := h.tree.MoveNode(nodeID, req.NewParentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// DELETE /api/nodes/:node_id
func (h *TreeHandler) DeleteNode(c *gin.Context) {
	nodeID, ok := parseUUIDParam(c, "node_id")
	if !ok {
		return
	}
	if err := h.tree.DeleteNode(nodeID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createEntryRequest struct {
	SourceType string `json:"source_type" binding:"required"`
	SourceURL  string `json:"source_url" binding:"required"`
	Filename   string `json:"filename"`
}

// POST /api/nodes/:node_id/entries
func (h *TreeHandler) CreateEntry(c *gin.Context) {
	nodeID, ok := parseUUIDParam(c, "node_id")
	if !ok {
		return
	}
	var req createEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_failed"})
		return
	}
	entry, err := h.tree.CreateEntry(nodeID, req.SourceType, req.SourceURL, req.Filename)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entryView(entry))
}

// GET /api/nodes/:node_id/entries
func (h *TreeHandler) ListEntries(c *gin.Context) {
	nodeID, ok := parseUUIDParam(c, "node_id")
	if !ok {
		return
	}
	if _, err := h.nodeRepo.GetByID(nodeID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found", "code": "not_found"})
			return
		}
		respondError(c, err)
		return
	}
	entries, err := h.entryRepo.GetByNode(nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": views})
}

type updateSourceRequest struct {
	SourceURL string `json:"source_url" binding:"required"`
}

// POST /api/entries/:entry_id/source
func (h *TreeHandler) UpdateSource(c *gin.Context) {
	entryID, ok := parseUUIDParam(c, "entry_id")
	if !ok {
		return
	}
	var req updateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_failed"})
		return
	}
	entry, err := h.tree.UpdateSource(entryID, req.SourceURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entryView(entry))
}

// entryView renders an entry with its derived lifecycle state, which is not
// a stored column.
func entryView(e *models.MaterialEntry) gin.H {
	return gin.H{"entry": e, "state": e.State()}
}
