package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CourseStructureSnapshot is an immutable generation result. NodeID is
// uuid.Nil for whole-course scope so the uniqueness index behaves the same
// on both scopes. The (course, node, fingerprint, mode) tuple is the
// idempotency key: re-requesting with an unchanged key returns this row.
type CourseStructureSnapshot struct {
	Base
	CourseID        uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:idx_snapshot_identity" json:"course_id"`
	NodeID          uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_snapshot_identity" json:"node_id"`
	NodeFingerprint string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_snapshot_identity" json:"node_fingerprint"`
	Mode            string         `gorm:"type:varchar(20);not null;uniqueIndex:idx_snapshot_identity" json:"mode"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Warnings        datatypes.JSON `gorm:"type:jsonb" json:"warnings,omitempty"`

	ModelID          string  `gorm:"type:varchar(100)" json:"model_id"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

func (CourseStructureSnapshot) TableName() string {
	return "course_structure_snapshots"
}
