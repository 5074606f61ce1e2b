package models

import "github.com/google/uuid"

type Course struct {
	Base
	OwnerID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_id"`
	Title   string    `gorm:"not null" json:"title"`
}
