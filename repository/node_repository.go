package repository

import (
	"github.com/courseloom/courseloom/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NodeRepository interface {
	BaseRepository[models.MaterialNode]
	GetRoots(courseID uuid.UUID) ([]*models.MaterialNode, error)
	GetChildren(parentID uuid.UUID) ([]*models.MaterialNode, error)
	GetByCourse(courseID uuid.UUID) ([]*models.MaterialNode, error)
	MaxPosition(courseID uuid.UUID, parentID *uuid.UUID) (int, error)
	SetFingerprint(id uuid.UUID, fingerprint *string) error
	DeleteByIDs(ids []uuid.UUID) error
}

type NodeRepositoryImpl struct {
	*BaseRepositoryImpl[models.MaterialNode]
	db *gorm.DB
}

func NewNodeRepository(db *gorm.DB) NodeRepository {
	return &NodeRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.MaterialNode](db),
		db:                 db,
	}
}

func (r *NodeRepositoryImpl) GetRoots(courseID uuid.UUID) ([]*models.MaterialNode, error) {
	var nodes []*models.MaterialNode
	err := r.db.Where("course_id = ? AND parent_id IS NULL", courseID).
		Order("position ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *NodeRepositoryImpl) GetChildren(parentID uuid.UUID) ([]*models.MaterialNode, error) {
	var nodes []*models.MaterialNode
	err := r.db.Where("parent_id = ?", parentID).
		Order("position ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *NodeRepositoryImpl) GetByCourse(courseID uuid.UUID) ([]*models.MaterialNode, error) {
	var nodes []*models.MaterialNode
	err := r.db.Where("course_id = ?", courseID).Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *NodeRepositoryImpl) MaxPosition(courseID uuid.UUID, parentID *uuid.UUID) (int, error) {
	var max *int
	q := r.db.Model(&models.MaterialNode{}).Where("course_id = ?", courseID)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	err := q.Select("MAX(position)").Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

func (r *NodeRepositoryImpl) SetFingerprint(id uuid.UUID, fingerprint *string) error {
	return r.db.Model(&models.MaterialNode{}).Where("id = ?", id).
		Update("node_fingerprint", fingerprint).Error
}

func (r *NodeRepositoryImpl) DeleteByIDs(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Delete(&models.MaterialNode{}, "id IN ?", ids).Error
}
