package handler

import (
	"errors"
	"net/http"

	"github.com/courseloom/courseloom/pkg/apperr"
	"github.com/courseloom/courseloom/repository"
	"github.com/courseloom/courseloom/service"
	"github.com/gin-gonic/gin"
)

type MappingHandler struct {
	validator   service.MappingValidator
	mappingRepo repository.MappingRepository
}

func NewMappingHandler(validator service.MappingValidator, mappingRepo repository.MappingRepository) *MappingHandler {
	return &MappingHandler{validator: validator, mappingRepo: mappingRepo}
}

// POST /api/nodes/:node_id/mappings
//
// A mapping whose materials are still processing is accepted as
// pending_validation, so the response is 202 in that case and 201 when
// validation completed inline.
func (h *MappingHandler) Create(c *gin.Context) {
	nodeID, ok := parseUUIDParam(c, "node_id")
	if !ok {
		return
	}
	var cand service.CandidateMapping
	if err := c.ShouldBindJSON(&cand); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_failed"})
		return
	}
	mapping, err := h.validator.CreateWithDeferral(nodeID, cand)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if len(mapping.BlockingFactors) > 0 {
		status = http.StatusAccepted
	}
	c.JSON(status, mapping)
}

type batchMappingRequest struct {
	Mappings []service.CandidateMapping `json:"mappings" binding:"required"`
}

// POST /api/nodes/:node_id/mappings/batch
func (h *MappingHandler) CreateBatch(c *gin.Context) {
	nodeID, ok := parseUUIDParam(c, "node_id")
	if !ok {
		return
	}
	var req batchMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_failed"})
		return
	}

	results := h.validator.CreateBatch(nodeID, req.Mappings)
	out := make([]gin.H, 0, len(results))
	accepted := 0
	for i, res := range results {
		item := gin.H{"index": i}
		if res.Err != nil {
			var ae *apperr.Error
			if errors.As(res.Err, &ae) {
				item["error"] = ae.Message
				item["code"] = ae.Code
				if ae.Details != nil {
					item["details"] = ae.Details
				}
			} else {
				item["error"] = "internal server error"
				item["code"] = "internal"
			}
		} else {
			item["mapping"] = res.Mapping
			accepted++
		}
		out = append(out, item)
	}
	c.JSON(http.StatusMultiStatus, gin.H{"accepted": accepted, "results": out})
}

// GET /api/nodes/:node_id/mappings
func (h *MappingHandler) List(c *gin.Context) {
	nodeID, ok := parseUUIDParam(c, "node_id")
	if !ok {
		return
	}
	mappings, err := h.mappingRepo.GetByNode(nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": mappings})
}
