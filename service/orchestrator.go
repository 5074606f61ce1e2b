package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courseloom/courseloom/config"
	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/pkg/metrics"
	"github.com/courseloom/courseloom/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Publisher submits job ids to the underlying durable queue. The kafka
// implementation lives in the queue package; tests use an in-memory fake.
type Publisher interface {
	Publish(ctx context.Context, jobID uuid.UUID, notBefore time.Time) error
}

// JobSpec describes a unit of work to enqueue.
type JobSpec struct {
	CourseID  uuid.UUID
	NodeID    *uuid.UUID
	EntryID   *uuid.UUID
	JobType   string
	Priority  string
	Params    datatypes.JSON
	DependsOn []uuid.UUID
}

// RunResult is what a job runner hands back to the orchestrator. Ingestion
// runners fill ProcessedContent/RawHash; generation runners fill SnapshotID.
type RunResult struct {
	ProcessedContent []byte
	RawHash          string
	SnapshotID       *uuid.UUID
}

// JobRunner executes one job type. A returned error wrapped in Permanent
// fails the job immediately; any other error is treated as transient and
// retried with backoff up to the configured attempt limit.
type JobRunner interface {
	Run(ctx context.Context, job *models.Job) (*RunResult, error)
}

// PermanentError marks a failure that retrying cannot fix (malformed source,
// out-of-contract input).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IngestionHook is invoked exactly once per ingestion job completion,
// success or failure, before the job row is finalized: entry update,
// upward fingerprint invalidation, then mapping revalidation.
type IngestionHook interface {
	OnIngestionComplete(ctx context.Context, entryID uuid.UUID, content []byte, rawHash string) error
	OnIngestionFailed(ctx context.Context, entryID uuid.UUID, message string) error
}

// DispatchOutcome tells the worker loop what to do with the queue message.
type DispatchOutcome struct {
	// Requeue asks the worker to re-publish the job id after Delay; used for
	// unmet dependencies, closed work windows and transient retries.
	Requeue bool
	Delay   time.Duration
}

// Orchestrator is the durable, priority- and dependency-aware scheduler.
// It owns job rows and their transitions; what the work does lives in the
// registered runners.
type Orchestrator interface {
	Enqueue(ctx context.Context, spec JobSpec) (*models.Job, *Estimate, error)
	Dispatch(ctx context.Context, jobID uuid.UUID) (*DispatchOutcome, error)
	Register(jobType string, runner JobRunner)
	SetIngestionHook(hook IngestionHook)
}

const dependencyRetryDelay = 10 * time.Second

type OrchestratorImpl struct {
	jobRepo   repository.JobRepository
	publisher Publisher
	estimator *Estimator
	window    *WorkWindow
	runners   map[string]JobRunner
	hook      IngestionHook
	logger    *logrus.Logger

	maxAttempts  int
	retryBackoff time.Duration
	timeouts     map[string]time.Duration
	now          func() time.Time
}

func NewOrchestrator(
	jobRepo repository.JobRepository,
	publisher Publisher,
	estimator *Estimator,
	window *WorkWindow,
	cfg *config.Config,
	logger *logrus.Logger,
) *OrchestratorImpl {
	return &OrchestratorImpl{
		jobRepo:      jobRepo,
		publisher:    publisher,
		estimator:    estimator,
		window:       window,
		runners:      map[string]JobRunner{},
		logger:       logger,
		maxAttempts:  cfg.Pipeline.MaxJobAttempts,
		retryBackoff: cfg.Pipeline.RetryBackoff,
		timeouts: map[string]time.Duration{
			models.JobTypeIngestion:  cfg.Pipeline.IngestionTimeout,
			models.JobTypeGeneration: cfg.Pipeline.GenerationTimeout,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (o *OrchestratorImpl) Register(jobType string, runner JobRunner) {
	o.runners[jobType] = runner
}

func (o *OrchestratorImpl) SetIngestionHook(hook IngestionHook) {
	o.hook = hook
}

// Enqueue persists the job row, submits it to the durable queue and returns
// the job together with its queue estimate.
func (o *OrchestratorImpl) Enqueue(ctx context.Context, spec JobSpec) (*models.Job, *Estimate, error) {
	now := o.now()
	estimate, err := o.estimator.ForJob(spec.JobType, spec.Priority, now)
	if err != nil {
		return nil, nil, err
	}

	job := &models.Job{
		CourseID:            spec.CourseID,
		NodeID:              spec.NodeID,
		EntryID:             spec.EntryID,
		JobType:             spec.JobType,
		Priority:            spec.Priority,
		Status:              models.JobStatusQueued,
		Params:              spec.Params,
		DependsOn:           spec.DependsOn,
		QueuedAt:            now,
		EstimatedStartAt:    &estimate.StartAt,
		EstimatedCompleteAt: &estimate.CompleteAt,
	}
	if err := o.jobRepo.Create(job); err != nil {
		return nil, nil, fmt.Errorf("persist job: %w", err)
	}

	job.QueueRef = job.ID.String()
	if err := o.publisher.Publish(ctx, job.ID, now); err != nil {
		// The row stays queued; redelivery by a later sweep or manual
		// republish can still pick it up.
		o.logger.WithError(err).WithField("job_id", job.ID).Error("queue publish failed")
		return nil, nil, fmt.Errorf("publish job: %w", err)
	}
	if err := o.jobRepo.UpdateFields(job.ID, map[string]interface{}{"queue_ref": job.QueueRef}); err != nil {
		return nil, nil, err
	}

	metrics.JobsEnqueued.WithLabelValues(spec.JobType, spec.Priority).Inc()
	o.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": spec.JobType,
		"priority": spec.Priority,
		"ahead":    estimate.JobsAhead,
	}).Info("job enqueued")
	return job, estimate, nil
}

// Dispatch is the worker-side admission gate and executor for one delivered
// job id. It is idempotent against at-least-once redelivery: a job that is
// no longer queued dispatches to a no-op.
func (o *OrchestratorImpl) Dispatch(ctx context.Context, jobID uuid.UUID) (*DispatchOutcome, error) {
	job, err := o.jobRepo.GetByID(jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != models.JobStatusQueued {
		return &DispatchOutcome{}, nil
	}

	// Dependency gate: a job with unsatisfied depends_on never goes active.
	if len(job.DependsOn) > 0 {
		deps, err := o.jobRepo.GetByIDs(job.DependsOn)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if dep.Status == models.JobStatusFailed {
				msg := fmt.Sprintf("prerequisite job %s failed: %s", dep.ID, derefOr(dep.ErrorMessage, "unknown error"))
				if err := o.failJob(ctx, job, msg); err != nil {
					return nil, err
				}
				return &DispatchOutcome{}, nil
			}
		}
		for _, dep := range deps {
			if dep.Status != models.JobStatusComplete {
				return &DispatchOutcome{Requeue: true, Delay: dependencyRetryDelay}, nil
			}
		}
	}

	// Window admission: normal-priority jobs wait out closed windows,
	// immediate jobs always pass.
	now := o.now()
	if job.Priority != models.JobPriorityImmediate && !o.window.Contains(now) {
		delay := o.window.NextStart(now).Sub(now)
		o.logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"delay":  delay,
		}).Info("job deferred until work window opens")
		return &DispatchOutcome{Requeue: true, Delay: delay}, nil
	}

	return o.execute(ctx, job)
}

func (o *OrchestratorImpl) execute(ctx context.Context, job *models.Job) (*DispatchOutcome, error) {
	runner, ok := o.runners[job.JobType]
	if !ok {
		return nil, fmt.Errorf("no runner registered for job type %q", job.JobType)
	}

	started := o.now()
	if err := o.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"status":     models.JobStatusActive,
		"started_at": started,
		"attempts":   job.Attempts + 1,
	}); err != nil {
		return nil, err
	}
	job.Status = models.JobStatusActive
	job.StartedAt = &started
	job.Attempts++

	runCtx := ctx
	if timeout, ok := o.timeouts[job.JobType]; ok && timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, runErr := runner.Run(runCtx, job)
	metrics.JobDuration.WithLabelValues(job.JobType, statusLabel(runErr)).Observe(o.now().Sub(started).Seconds())

	if runErr != nil {
		return o.handleRunError(ctx, job, runErr)
	}
	if err := o.onJobComplete(ctx, job, result); err != nil {
		return nil, err
	}
	return &DispatchOutcome{}, nil
}

func (o *OrchestratorImpl) handleRunError(ctx context.Context, job *models.Job, runErr error) (*DispatchOutcome, error) {
	var perm *PermanentError
	permanent := errors.As(runErr, &perm)
	if !permanent && job.Attempts < o.maxAttempts {
		// Transient failure with attempts left: back to queued, retried
		// after backoff. Invisible to the caller except as elapsed time.
		if err := o.jobRepo.UpdateFields(job.ID, map[string]interface{}{
			"status":        models.JobStatusQueued,
			"error_message": runErr.Error(),
		}); err != nil {
			return nil, err
		}
		delay := o.retryBackoff * time.Duration(job.Attempts)
		o.logger.WithError(runErr).WithFields(logrus.Fields{
			"job_id":  job.ID,
			"attempt": job.Attempts,
			"delay":   delay,
		}).Warn("job failed, retrying")
		return &DispatchOutcome{Requeue: true, Delay: delay}, nil
	}

	if err := o.failJob(ctx, job, runErr.Error()); err != nil {
		return nil, err
	}
	return &DispatchOutcome{}, nil
}

// onJobComplete finalizes a successful run. For ingestion jobs the
// completion hook runs first so entry update, fingerprint invalidation and
// mapping revalidation land in the same logical unit of work as the status
// flip.
func (o *OrchestratorImpl) onJobComplete(ctx context.Context, job *models.Job, result *RunResult) error {
	updates := map[string]interface{}{
		"status":        models.JobStatusComplete,
		"completed_at":  o.now(),
		"error_message": nil,
	}

	if job.JobType == models.JobTypeIngestion {
		if job.EntryID == nil {
			return fmt.Errorf("ingestion job %s has no entry reference", job.ID)
		}
		if o.hook == nil {
			return fmt.Errorf("no ingestion hook configured")
		}
		if result == nil {
			return fmt.Errorf("ingestion job %s returned no result", job.ID)
		}
		if err := o.hook.OnIngestionComplete(ctx, *job.EntryID, result.ProcessedContent, result.RawHash); err != nil {
			return fmt.Errorf("ingestion completion hook: %w", err)
		}
	}
	if result != nil && result.SnapshotID != nil {
		updates["snapshot_id"] = *result.SnapshotID
	}

	if err := o.jobRepo.UpdateFields(job.ID, updates); err != nil {
		return err
	}
	metrics.JobsCompleted.WithLabelValues(job.JobType, models.JobStatusComplete).Inc()
	o.logger.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.JobType}).Info("job complete")
	return nil
}

func (o *OrchestratorImpl) failJob(ctx context.Context, job *models.Job, message string) error {
	if job.JobType == models.JobTypeIngestion && job.EntryID != nil && o.hook != nil {
		if err := o.hook.OnIngestionFailed(ctx, *job.EntryID, message); err != nil {
			return fmt.Errorf("ingestion failure hook: %w", err)
		}
	}
	if err := o.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"status":        models.JobStatusFailed,
		"completed_at":  o.now(),
		"error_message": message,
	}); err != nil {
		return err
	}
	metrics.JobsCompleted.WithLabelValues(job.JobType, models.JobStatusFailed).Inc()
	o.logger.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.JobType}).
		Error("job failed: " + message)
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
