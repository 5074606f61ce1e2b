package repository

import (
	"errors"

	"github.com/courseloom/courseloom/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SnapshotRepository interface {
	BaseRepository[models.CourseStructureSnapshot]
	FindByIdentity(courseID, nodeID uuid.UUID, fingerprint, mode string) (*models.CourseStructureSnapshot, error)
	LatestForScope(courseID, nodeID uuid.UUID, mode string) (*models.CourseStructureSnapshot, error)
}

type SnapshotRepositoryImpl struct {
	*BaseRepositoryImpl[models.CourseStructureSnapshot]
	db *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &SnapshotRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.CourseStructureSnapshot](db),
		db:                 db,
	}
}

// FindByIdentity looks up a snapshot by its idempotency key. A nil result
// with a nil error means "no snapshot yet".
func (r *SnapshotRepositoryImpl) FindByIdentity(courseID, nodeID uuid.UUID, fingerprint, mode string) (*models.CourseStructureSnapshot, error) {
	var snap models.CourseStructureSnapshot
	err := r.db.Where("course_id = ? AND node_id = ? AND node_fingerprint = ? AND mode = ?",
		courseID, nodeID, fingerprint, mode).
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *SnapshotRepositoryImpl) LatestForScope(courseID, nodeID uuid.UUID, mode string) (*models.CourseStructureSnapshot, error) {
	var snap models.CourseStructureSnapshot
	err := r.db.Where("course_id = ? AND node_id = ? AND mode = ?", courseID, nodeID, mode).
		Order("created_at DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
