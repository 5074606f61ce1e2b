package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type MaterialEntry struct {
	Base
	NodeID             uuid.UUID      `gorm:"type:uuid;not null;index" json:"node_id"`
	SourceType         string         `gorm:"type:varchar(50);not null" json:"source_type"`
	SourceURL          string         `gorm:"not null" json:"source_url"`
	Filename           string         `json:"filename"`
	RawHash            *string        `gorm:"type:varchar(64)" json:"raw_hash,omitempty"`
	ProcessedContent   datatypes.JSON `gorm:"type:jsonb" json:"processed_content,omitempty"`
	ProcessedHash      *string        `gorm:"type:varchar(64)" json:"processed_hash,omitempty"`
	ContentFingerprint *string        `gorm:"type:varchar(64)" json:"content_fingerprint,omitempty"`
	PendingJobID       *uuid.UUID     `gorm:"type:uuid" json:"pending_job_id,omitempty"`
	PendingSince       *time.Time     `json:"pending_since,omitempty"`
	ErrorMessage       *string        `gorm:"type:text" json:"error_message,omitempty"`
}

func (MaterialEntry) TableName() string {
	return "material_entries"
}

// Source types
const (
	SourceTypeVideo        = "video"
	SourceTypePresentation = "presentation"
	SourceTypeText         = "text"
	SourceTypeWeb          = "web"
)

type EntryState string

const (
	EntryStateError           EntryState = "error"
	EntryStatePending         EntryState = "pending"
	EntryStateRaw             EntryState = "raw"
	EntryStateIntegrityBroken EntryState = "integrity_broken"
	EntryStateReady           EntryState = "ready"
)

// State derives the entry's lifecycle state from its stored fields. The
// priority order is strict: an error always wins, an in-flight job beats a
// stale processed hash because that job is already correcting it.
func (e *MaterialEntry) State() EntryState {
	switch {
	case e.ErrorMessage != nil && *e.ErrorMessage != "":
		return EntryStateError
	case e.PendingJobID != nil:
		return EntryStatePending
	case e.ProcessedHash == nil:
		return EntryStateRaw
	case e.RawHash == nil || *e.ProcessedHash != *e.RawHash:
		return EntryStateIntegrityBroken
	default:
		return EntryStateReady
	}
}
