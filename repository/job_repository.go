package repository

import (
	"time"

	"github.com/courseloom/courseloom/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type JobRepository interface {
	BaseRepository[models.Job]
	GetByIDs(ids []uuid.UUID) ([]*models.Job, error)
	GetByCourse(courseID uuid.UUID) ([]*models.Job, error)
	CountAhead(queuedBefore time.Time) (int64, error)
	GetActiveGeneration(courseID uuid.UUID) ([]*models.Job, error)
	RecentDurations(jobType string, limit int) ([]time.Duration, error)
}

type JobRepositoryImpl struct {
	*BaseRepositoryImpl[models.Job]
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &JobRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.Job](db),
		db:                 db,
	}
}

func (r *JobRepositoryImpl) GetByIDs(ids []uuid.UUID) ([]*models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var jobs []*models.Job
	err := r.db.Where("id IN ?", ids).Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepositoryImpl) GetByCourse(courseID uuid.UUID) ([]*models.Job, error) {
	var jobs []*models.Job
	err := r.db.Where("course_id = ?", courseID).
		Order("queued_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountAhead counts queued/active jobs submitted before the given instant,
// i.e. the queue a newly-submitted job would wait behind.
func (r *JobRepositoryImpl) CountAhead(queuedBefore time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.Job{}).
		Where("status IN ? AND queued_at < ?",
			[]string{models.JobStatusQueued, models.JobStatusActive}, queuedBefore).
		Count(&count).Error
	return count, err
}

// GetActiveGeneration returns queued and active generation jobs for a
// course; both count for subtree-overlap conflict detection because a queued
// job will run against its enqueue-time fingerprint.
func (r *JobRepositoryImpl) GetActiveGeneration(courseID uuid.UUID) ([]*models.Job, error) {
	var jobs []*models.Job
	err := r.db.Where("course_id = ? AND job_type = ? AND status IN ?",
		courseID, models.JobTypeGeneration,
		[]string{models.JobStatusQueued, models.JobStatusActive}).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// RecentDurations returns started→completed durations of the most recent
// completed jobs of a type, newest first. Averaging happens in the caller so
// the query stays portable across postgres and the sqlite test driver.
func (r *JobRepositoryImpl) RecentDurations(jobType string, limit int) ([]time.Duration, error) {
	var jobs []*models.Job
	err := r.db.Where("job_type = ? AND status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL",
		jobType, models.JobStatusComplete).
		Order("completed_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	durations := make([]time.Duration, 0, len(jobs))
	for _, j := range jobs {
		durations = append(durations, j.CompletedAt.Sub(*j.StartedAt))
	}
	return durations, nil
}
