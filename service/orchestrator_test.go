package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/courseloom/courseloom/models"
	"github.com/google/uuid"
)

type stubRunner struct {
	calls int
	run   func(ctx context.Context, job *models.Job) (*RunResult, error)
}

func (r *stubRunner) Run(ctx context.Context, job *models.Job) (*RunResult, error) {
	r.calls++
	if r.run != nil {
		return r.run(ctx, job)
	}
	return &RunResult{}, nil
}

type recordingHook struct {
	completed  []uuid.UUID
	failed     []uuid.UUID
	onComplete func(entryID uuid.UUID)
}

func (h *recordingHook) OnIngestionComplete(_ context.Context, entryID uuid.UUID, _ []byte, _ string) error {
	if h.onComplete != nil {
		h.onComplete(entryID)
	}
	h.completed = append(h.completed, entryID)
	return nil
}

func (h *recordingHook) OnIngestionFailed(_ context.Context, entryID uuid.UUID, _ string) error {
	h.failed = append(h.failed, entryID)
	return nil
}

func newTestOrchestrator(t *testing.T, env *testEnv, pub *fakePublisher) *OrchestratorImpl {
	t.Helper()
	window, err := NewWorkWindow(env.cfg.Pipeline)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	estimator := NewEstimator(env.jobRepo, window, env.cfg.Pipeline)
	return NewOrchestrator(env.jobRepo, pub, estimator, window, env.cfg, testLogger())
}

func (e *testEnv) reloadJob(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := e.jobRepo.GetByID(id)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return job
}

func TestEnqueuePersistsAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, env, pub)
	course := env.mustCourse(t)

	job, estimate, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		JobType:  models.JobTypeGeneration,
		Priority: models.JobPriorityNormal,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if estimate == nil {
		t.Fatal("no estimate returned")
	}
	if pub.count() != 1 {
		t.Errorf("published %d messages, want 1", pub.count())
	}

	stored := env.reloadJob(t, job.ID)
	if stored.Status != models.JobStatusQueued {
		t.Errorf("status = %q, want queued", stored.Status)
	}
	if stored.EstimatedCompleteAt == nil {
		t.Error("estimate not persisted on the job row")
	}
}

func TestDispatchIsIdempotentForFinishedJobs(t *testing.T) {
	env := newTestEnv(t)
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, env, pub)
	course := env.mustCourse(t)

	runner := &stubRunner{}
	orch.Register(models.JobTypeGeneration, runner)

	job, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		JobType:  models.JobTypeGeneration,
		Priority: models.JobPriorityNormal,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := orch.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner ran %d times, want 1", runner.calls)
	}

	// Redelivery of the same message must not re-run the job.
	outcome, err := orch.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("redelivered dispatch: %v", err)
	}
	if outcome.Requeue {
		t.Error("finished job should not be requeued")
	}
	if runner.calls != 1 {
		t.Errorf("runner ran %d times after redelivery, want 1", runner.calls)
	}
}

func TestDispatchWaitsForDependencies(t *testing.T) {
	env := newTestEnv(t)
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, env, pub)
	course := env.mustCourse(t)

	runner := &stubRunner{}
	orch.Register(models.JobTypeGeneration, runner)
	orch.Register(models.JobTypeIngestion, runner)

	dep, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		JobType:  models.JobTypeIngestion,
		Priority: models.JobPriorityNormal,
	})
	if err != nil {
		t.Fatalf("enqueue dep: %v", err)
	}
	job, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID:  course.ID,
		JobType:   models.JobTypeGeneration,
		Priority:  models.JobPriorityNormal,
		DependsOn: []uuid.UUID{dep.ID},
	})
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}

	// Dependency still queued: requeue, runner untouched.
	outcome, err := orch.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("dispatch with open dep: %v", err)
	}
	if !outcome.Requeue || outcome.Delay <= 0 {
		t.Errorf("outcome = %+v, want requeue with delay", outcome)
	}
	if runner.calls != 0 {
		t.Errorf("runner ran %d times before dependency completed", runner.calls)
	}

	// Dependency complete: the job runs.
	if err := env.jobRepo.UpdateFields(dep.ID, map[string]interface{}{"status": models.JobStatusComplete}); err != nil {
		t.Fatalf("complete dep: %v", err)
	}
	if _, err := orch.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("dispatch after dep: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("runner ran %d times, want 1", runner.calls)
	}
}

func TestDispatchFailsOnFailedDependency(t *testing.T) {
	env := newTestEnv(t)
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, env, pub)
	course := env.mustCourse(t)

	runner := &stubRunner{}
	orch.Register(models.JobTypeGeneration, runner)

	dep, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		JobType:  models.JobTypeGeneration,
		Priority: models.JobPriorityNormal,
	})
	if err != nil {
		t.Fatalf("enqueue dep: %v", err)
	}
	job, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID:  course.ID,
		JobType:   models.JobTypeGeneration,
		Priority:  models.JobPriorityNormal,
		DependsOn: []uuid.UUID{dep.ID},
	})
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}
	if err := env.jobRepo.UpdateFields(dep.ID, map[string]interface{}{
		"status":        models.JobStatusFailed,
		"error_message": "extraction blew up",
	}); err != nil {
		t.Fatalf("fail dep: %v", err)
	}

	if _, err := orch.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	stored := env.reloadJob(t, job.ID)
	if stored.Status != models.JobStatusFailed {
		t.Fatalf("status = %q, want failed", stored.Status)
	}
	if stored.ErrorMessage == nil || !strings.Contains(*stored.ErrorMessage, "prerequisite job") {
		t.Errorf("error message %v does not name the failed prerequisite", stored.ErrorMessage)
	}
	if runner.calls != 0 {
		t.Errorf("runner ran despite failed dependency")
	}
}

func TestDispatchDefersOutsideWorkWindow(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Pipeline.WorkWindowEnabled = true
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, env, pub)
	course := env.mustCourse(t)

	noon := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	orch.now = func() time.Time { return noon }

	runner := &stubRunner{}
	orch.Register(models.JobTypeGeneration, runner)

	normal, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		JobType:  models.JobTypeGeneration,
		Priority: models.JobPriorityNormal,
	})
	if err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	outcome, err := orch.Dispatch(context.Background(), normal.ID)
	if err != nil {
		t.Fatalf("dispatch normal: %v", err)
	}
	if !outcome.Requeue {
		t.Fatal("normal job at noon should be deferred to the 22:00 window")
	}
	if want := 10 * time.Hour; outcome.Delay != want {
		t.Errorf("delay = %v, want %v", outcome.Delay, want)
	}
	if runner.calls != 0 {
		t.Error("normal job ran outside the window")
	}

	// Immediate priority bypasses the window.
	immediate, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		JobType:  models.JobTypeGeneration,
		Priority: models.JobPriorityImmediate,
	})
	if err != nil {
		t.Fatalf("enqueue immediate: %v", err)
	}
	if _, err := orch.Dispatch(context.Background(), immediate.ID); err != nil {
		t.Fatalf("dispatch immediate: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("immediate job did not run outside the window")
	}
}

func TestTransientErrorsRetryWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, env, pub)
	course := env.mustCourse(t)

	runner := &stubRunner{run: func(context.Context, *models.Job) (*RunResult, error) {
		return nil, fmt.Errorf("connection reset")
	}}
	orch.Register(models.JobTypeGeneration, runner)

	job, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		JobType:  models.JobTypeGeneration,
		Priority: models.JobPriorityNormal,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	backoff := env.cfg.Pipeline.RetryBackoff
	for attempt := 1; attempt < env.cfg.Pipeline.MaxJobAttempts; attempt++ {
		outcome, err := orch.Dispatch(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("dispatch attempt %d: %v", attempt, err)
		}
		if !outcome.Requeue {
			t.Fatalf("attempt %d: want requeue", attempt)
		}
		if want := backoff * time.Duration(attempt); outcome.Delay != want {
			t.Errorf("attempt %d delay = %v, want %v", attempt, outcome.Delay, want)
		}
		if got := env.reloadJob(t, job.ID).Status; got != models.JobStatusQueued {
			t.Fatalf("attempt %d status = %q, want queued", attempt, got)
		}
	}

	// Final attempt exhausts the retries.
	outcome, err := orch.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("final dispatch: %v", err)
	}
	if outcome.Requeue {
		t.Error("exhausted job should not be requeued")
	}
	if got := env.reloadJob(t, job.ID).Status; got != models.JobStatusFailed {
		t.Errorf("status = %q, want failed", got)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, env, pub)
	course := env.mustCourse(t)

	runner := &stubRunner{run: func(context.Context, *models.Job) (*RunResult, error) {
		return nil, Permanent(errors.New("source is not a zip archive"))
	}}
	orch.Register(models.JobTypeGeneration, runner)

	job, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		JobType:  models.JobTypeGeneration,
		Priority: models.JobPriorityNormal,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	outcome, err := orch.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Requeue {
		t.Error("permanent failure should not be retried")
	}
	stored := env.reloadJob(t, job.ID)
	if stored.Status != models.JobStatusFailed {
		t.Errorf("status = %q, want failed", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", stored.Attempts)
	}
}

func TestIngestionHookRunsBeforeJobFinalizes(t *testing.T) {
	env := newTestEnv(t)
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, env, pub)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "chapter")
	entry := env.mustEntry(t, node.ID, models.SourceTypeText, "notes.txt")

	runner := &stubRunner{run: func(context.Context, *models.Job) (*RunResult, error) {
		return &RunResult{ProcessedContent: []byte(`{"text":"x"}`), RawHash: "h"}, nil
	}}
	orch.Register(models.JobTypeIngestion, runner)

	job, _, err := orch.Enqueue(context.Background(), JobSpec{
		CourseID: course.ID,
		NodeID:   &node.ID,
		EntryID:  &entry.ID,
		JobType:  models.JobTypeIngestion,
		Priority: models.JobPriorityNormal,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	hook := &recordingHook{}
	hook.onComplete = func(uuid.UUID) {
		// The hook must observe the job before its terminal flip.
		if got := env.reloadJob(t, job.ID).Status; got == models.JobStatusComplete {
			t.Error("job already complete when the hook ran")
		}
	}
	orch.SetIngestionHook(hook)

	if _, err := orch.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(hook.completed) != 1 || hook.completed[0] != entry.ID {
		t.Errorf("completion hook calls = %v, want [%s]", hook.completed, entry.ID)
	}
	if got := env.reloadJob(t, job.ID).Status; got != models.JobStatusComplete {
		t.Errorf("status = %q, want complete", got)
	}
}
