package handler

import (
	"errors"

	"github.com/courseloom/courseloom/pkg/apperr"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// respondError maps service errors onto the HTTP surface. Anything that is
// not an apperr.Error is an internal failure and never leaks its message.
func respondError(c *gin.Context, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body := gin.H{"error": ae.Message, "code": ae.Code}
		if ae.Details != nil {
			body["details"] = ae.Details
		}
		c.JSON(ae.Status, body)
		return
	}
	c.JSON(500, gin.H{"error": "internal server error", "code": "internal"})
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid " + name, "code": "validation_failed"})
		return uuid.Nil, false
	}
	return id, true
}
