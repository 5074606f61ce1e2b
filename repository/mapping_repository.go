package repository

import (
	"github.com/courseloom/courseloom/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MappingRepository interface {
	BaseRepository[models.SlideVideoMapping]
	GetByNode(nodeID uuid.UUID) ([]*models.SlideVideoMapping, error)
	GetUnresolvedByNodeIDs(nodeIDs []uuid.UUID) ([]*models.SlideVideoMapping, error)
	FindBlockedBy(entryID uuid.UUID) ([]*models.SlideVideoMapping, error)
	DeleteByNodeIDs(nodeIDs []uuid.UUID) error
}

type MappingRepositoryImpl struct {
	*BaseRepositoryImpl[models.SlideVideoMapping]
	db *gorm.DB
}

func NewMappingRepository(db *gorm.DB) MappingRepository {
	return &MappingRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.SlideVideoMapping](db),
		db:                 db,
	}
}

func (r *MappingRepositoryImpl) GetByNode(nodeID uuid.UUID) ([]*models.SlideVideoMapping, error) {
	var mappings []*models.SlideVideoMapping
	err := r.db.Where("node_id = ?", nodeID).
		Order("created_at ASC").
		Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

func (r *MappingRepositoryImpl) GetUnresolvedByNodeIDs(nodeIDs []uuid.UUID) ([]*models.SlideVideoMapping, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	var mappings []*models.SlideVideoMapping
	err := r.db.Where("node_id IN ? AND validation_state IN ?", nodeIDs,
		[]string{models.ValidationStatePending, models.ValidationStateFailed}).
		Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

// FindBlockedBy returns mappings whose full validation may be unblocked by a
// state change of the given entry. Failed mappings are included because a
// re-uploaded source can correct the failure.
func (r *MappingRepositoryImpl) FindBlockedBy(entryID uuid.UUID) ([]*models.SlideVideoMapping, error) {
	var mappings []*models.SlideVideoMapping
	err := r.db.Where("(presentation_id = ? OR video_id = ?) AND validation_state IN ?",
		entryID, entryID,
		[]string{models.ValidationStatePending, models.ValidationStateFailed}).
		Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

func (r *MappingRepositoryImpl) DeleteByNodeIDs(nodeIDs []uuid.UUID) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return r.db.Delete(&models.SlideVideoMapping{}, "node_id IN ?", nodeIDs).Error
}
