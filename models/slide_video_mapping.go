package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SlideVideoMapping asserts that slide N of a presentation entry appears at a
// timecode range of a video entry within the same node.
type SlideVideoMapping struct {
	Base
	NodeID           uuid.UUID                           `gorm:"type:uuid;not null;index" json:"node_id"`
	PresentationID   uuid.UUID                           `gorm:"type:uuid;not null;index" json:"presentation_id"`
	VideoID          uuid.UUID                           `gorm:"type:uuid;not null;index" json:"video_id"`
	SlideNumber      int                                 `gorm:"not null" json:"slide_number"`
	StartTimecode    string                              `gorm:"type:varchar(16);not null" json:"start_timecode"`
	EndTimecode      string                              `gorm:"type:varchar(16)" json:"end_timecode"`
	ValidationState  string                              `gorm:"type:varchar(32);not null;index" json:"validation_state"`
	BlockingFactors  datatypes.JSONSlice[BlockingFactor] `gorm:"type:jsonb" json:"blocking_factors,omitempty"`
	ValidationErrors datatypes.JSONSlice[RangeError]     `gorm:"type:jsonb" json:"validation_errors,omitempty"`
	ValidatedAt      *time.Time                          `json:"validated_at,omitempty"`
}

func (SlideVideoMapping) TableName() string {
	return "slide_video_mappings"
}

const (
	ValidationStateValidated = "validated"
	ValidationStatePending   = "pending_validation"
	ValidationStateFailed    = "validation_failed"
)

// BlockingFactor names one referenced material that keeps a mapping from
// being fully validated.
type BlockingFactor struct {
	EntryID  uuid.UUID `json:"entry_id"`
	Filename string    `json:"filename"`
	State    string    `json:"state"`
	Kind     string    `json:"kind"`
	Reason   string    `json:"reason"`
}

const (
	BlockingKindNotReady      = "material_not_ready"
	BlockingKindMaterialError = "material_error"
)

// RangeError is one failed content-range check.
type RangeError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
