package repository

import (
	"github.com/courseloom/courseloom/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CourseRepository interface {
	BaseRepository[models.Course]
	GetByOwner(ownerID uuid.UUID, limit, offset int) ([]*models.Course, error)
}

type CourseRepositoryImpl struct {
	*BaseRepositoryImpl[models.Course]
	db *gorm.DB
}

func NewCourseRepository(db *gorm.DB) CourseRepository {
	return &CourseRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.Course](db),
		db:                 db,
	}
}

func (r *CourseRepositoryImpl) GetByOwner(ownerID uuid.UUID, limit, offset int) ([]*models.Course, error) {
	var courses []*models.Course
	err := r.db.Where("owner_id = ?", ownerID).Limit(limit).Offset(offset).Find(&courses).Error
	if err != nil {
		return nil, err
	}
	return courses, nil
}
