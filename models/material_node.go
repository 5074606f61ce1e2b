package models

import "github.com/google/uuid"

// MaterialNode is a folder-like unit inside a course's content tree.
// ParentID nil means the node hangs directly off the course root.
// NodeFingerprint nil means the subtree hash is stale and needs recompute.
type MaterialNode struct {
	Base
	CourseID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"course_id"`
	ParentID        *uuid.UUID `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	Title           string     `gorm:"not null" json:"title"`
	Position        int        `gorm:"not null;default:0" json:"position"`
	NodeFingerprint *string    `gorm:"type:varchar(64)" json:"node_fingerprint,omitempty"`
}

func (MaterialNode) TableName() string {
	return "material_nodes"
}
