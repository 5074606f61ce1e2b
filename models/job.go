package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Job struct {
	Base
	CourseID uuid.UUID      `gorm:"type:uuid;not null;index" json:"course_id"`
	NodeID   *uuid.UUID     `gorm:"type:uuid;index" json:"node_id,omitempty"`
	JobType  string         `gorm:"type:varchar(50);not null;index" json:"job_type"`
	Priority string         `gorm:"type:varchar(20);not null;default:'normal'" json:"priority"`
	Status   string         `gorm:"type:varchar(20);not null;index;default:'queued'" json:"status"`
	QueueRef string         `gorm:"type:varchar(255)" json:"queue_ref"`
	Params   datatypes.JSON `gorm:"type:jsonb" json:"params,omitempty"`
	// Result references: exactly one may be set, depending on JobType.
	EntryID    *uuid.UUID `gorm:"type:uuid;index" json:"entry_id,omitempty"`
	SnapshotID *uuid.UUID `gorm:"type:uuid" json:"snapshot_id,omitempty"`

	DependsOn datatypes.JSONSlice[uuid.UUID] `gorm:"type:jsonb" json:"depends_on,omitempty"`

	Attempts     int     `gorm:"not null;default:0" json:"attempts"`
	ErrorMessage *string `gorm:"type:text" json:"error_message,omitempty"`

	QueuedAt            time.Time  `gorm:"not null" json:"queued_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	EstimatedStartAt    *time.Time `json:"estimated_start_at,omitempty"`
	EstimatedCompleteAt *time.Time `json:"estimated_complete_at,omitempty"`
}

const (
	JobTypeIngestion  = "ingestion"
	JobTypeGeneration = "generation"
)

const (
	JobPriorityImmediate = "immediate"
	JobPriorityNormal    = "normal"
)

const (
	JobStatusQueued   = "queued"
	JobStatusActive   = "active"
	JobStatusComplete = "complete"
	JobStatusFailed   = "failed"
)

// GenerationParams is the payload stored in Job.Params for generation jobs.
// Fingerprint is captured at enqueue time; the snapshot is saved under this
// value even if the subtree changed while the job sat in the queue.
type GenerationParams struct {
	Fingerprint string `json:"fingerprint"`
	Mode        string `json:"mode"`
}

const (
	GenerationModeFree   = "free"
	GenerationModeGuided = "guided"
)
