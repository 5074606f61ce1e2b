package repository

import (
	"github.com/courseloom/courseloom/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EntryRepository interface {
	BaseRepository[models.MaterialEntry]
	GetByNode(nodeID uuid.UUID) ([]*models.MaterialEntry, error)
	GetByNodeIDs(nodeIDs []uuid.UUID) ([]*models.MaterialEntry, error)
	DeleteByNodeIDs(nodeIDs []uuid.UUID) error
}

type EntryRepositoryImpl struct {
	*BaseRepositoryImpl[models.MaterialEntry]
	db *gorm.DB
}

func NewEntryRepository(db *gorm.DB) EntryRepository {
	return &EntryRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.MaterialEntry](db),
		db:                 db,
	}
}

func (r *EntryRepositoryImpl) GetByNode(nodeID uuid.UUID) ([]*models.MaterialEntry, error) {
	var entries []*models.MaterialEntry
	err := r.db.Where("node_id = ?", nodeID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *EntryRepositoryImpl) GetByNodeIDs(nodeIDs []uuid.UUID) ([]*models.MaterialEntry, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	var entries []*models.MaterialEntry
	err := r.db.Where("node_id IN ?", nodeIDs).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *EntryRepositoryImpl) DeleteByNodeIDs(nodeIDs []uuid.UUID) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return r.db.Delete(&models.MaterialEntry{}, "node_id IN ?", nodeIDs).Error
}
