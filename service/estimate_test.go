package service

import (
	"testing"
	"time"

	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/repository"
	"github.com/google/uuid"
)

func mustWindow(t *testing.T, enabled bool, start, end string) *WorkWindow {
	t.Helper()
	cfg := testConfig().Pipeline
	cfg.WorkWindowEnabled = enabled
	cfg.WorkWindowStart = start
	cfg.WorkWindowEnd = end
	w, err := NewWorkWindow(cfg)
	if err != nil {
		t.Fatalf("NewWorkWindow: %v", err)
	}
	return w
}

func at(t *testing.T, clock string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", "2026-08-31 "+clock)
	if err != nil {
		t.Fatalf("parse %q: %v", clock, err)
	}
	return ts.UTC()
}

func TestWorkWindowContains(t *testing.T) {
	day := mustWindow(t, true, "09:00", "17:00")
	if !day.Contains(at(t, "12:00")) {
		t.Error("noon should be inside a 09:00-17:00 window")
	}
	if day.Contains(at(t, "17:00")) {
		t.Error("the closing minute is outside")
	}
	if day.Contains(at(t, "03:00")) {
		t.Error("night is outside a day window")
	}

	// Overnight span 22:00-06:00.
	night := mustWindow(t, true, "22:00", "06:00")
	if !night.Contains(at(t, "23:30")) {
		t.Error("23:30 should be inside an overnight window")
	}
	if !night.Contains(at(t, "03:00")) {
		t.Error("03:00 should be inside an overnight window")
	}
	if night.Contains(at(t, "12:00")) {
		t.Error("noon is outside an overnight window")
	}

	disabled := mustWindow(t, false, "22:00", "06:00")
	if !disabled.Contains(at(t, "12:00")) {
		t.Error("a disabled window admits everything")
	}
}

func TestWorkWindowNextStart(t *testing.T) {
	night := mustWindow(t, true, "22:00", "06:00")

	inside := at(t, "23:00")
	if got := night.NextStart(inside); !got.Equal(inside) {
		t.Errorf("inside the window NextStart = %v, want %v", got, inside)
	}

	noon := at(t, "12:00")
	want := at(t, "22:00")
	if got := night.NextStart(noon); !got.Equal(want) {
		t.Errorf("NextStart(noon) = %v, want %v", got, want)
	}
}

func TestWorkWindowAdvanceRollsOverDays(t *testing.T) {
	// 22:00-06:00 gives 8 working hours per day.
	night := mustWindow(t, true, "22:00", "06:00")

	// From noon, 2 hours of work start at 22:00 and finish at midnight.
	got := night.Advance(at(t, "12:00"), 2*time.Hour)
	if want := at(t, "22:00").Add(2 * time.Hour); !got.Equal(want) {
		t.Errorf("Advance(noon, 2h) = %v, want %v", got, want)
	}

	// 10 hours of work exceed one window: 8 tonight, 2 tomorrow night.
	got = night.Advance(at(t, "12:00"), 10*time.Hour)
	want := at(t, "22:00").AddDate(0, 0, 1).Add(2 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("Advance(noon, 10h) = %v, want %v", got, want)
	}
}

func seedCompletedJob(t *testing.T, jobRepo repository.JobRepository, jobType string, d time.Duration) {
	t.Helper()
	started := time.Now().UTC().Add(-2 * time.Hour)
	completed := started.Add(d)
	job := &models.Job{
		CourseID:    uuid.New(),
		JobType:     jobType,
		Priority:    models.JobPriorityNormal,
		Status:      models.JobStatusComplete,
		QueuedAt:    started.Add(-time.Minute),
		StartedAt:   &started,
		CompletedAt: &completed,
	}
	if err := jobRepo.Create(job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestEstimatorUsesDefaultsWithoutHistory(t *testing.T) {
	env := newTestEnv(t)
	window := mustWindow(t, false, "22:00", "06:00")
	est := NewEstimator(env.jobRepo, window, env.cfg.Pipeline)

	now := time.Now().UTC()
	e, err := est.ForJob(models.JobTypeIngestion, models.JobPriorityNormal, now)
	if err != nil {
		t.Fatalf("ForJob: %v", err)
	}
	if e.JobsAhead != 0 {
		t.Errorf("JobsAhead = %d, want 0", e.JobsAhead)
	}
	if e.AvgPerJob != 120*time.Second {
		t.Errorf("AvgPerJob = %v, want configured 120s default", e.AvgPerJob)
	}
	if !e.StartAt.Equal(now) {
		t.Errorf("StartAt = %v, want %v", e.StartAt, now)
	}
}

func TestEstimatorAveragesHistoryPerType(t *testing.T) {
	env := newTestEnv(t)
	window := mustWindow(t, false, "22:00", "06:00")
	est := NewEstimator(env.jobRepo, window, env.cfg.Pipeline)

	seedCompletedJob(t, env.jobRepo, models.JobTypeIngestion, 30*time.Second)
	seedCompletedJob(t, env.jobRepo, models.JobTypeIngestion, 90*time.Second)
	// Generation history must not bleed into ingestion estimates.
	seedCompletedJob(t, env.jobRepo, models.JobTypeGeneration, 10*time.Minute)

	e, err := est.ForJob(models.JobTypeIngestion, models.JobPriorityNormal, time.Now().UTC())
	if err != nil {
		t.Fatalf("ForJob: %v", err)
	}
	if e.AvgPerJob != 60*time.Second {
		t.Errorf("AvgPerJob = %v, want 60s average of seeded history", e.AvgPerJob)
	}
}

func TestEstimatorImmediateIgnoresWindow(t *testing.T) {
	env := newTestEnv(t)
	window := mustWindow(t, true, "22:00", "06:00")
	est := NewEstimator(env.jobRepo, window, env.cfg.Pipeline)

	noon := at(t, "12:00")
	imm, err := est.ForJob(models.JobTypeGeneration, models.JobPriorityImmediate, noon)
	if err != nil {
		t.Fatalf("immediate: %v", err)
	}
	if !imm.StartAt.Equal(noon) {
		t.Errorf("immediate StartAt = %v, want now", imm.StartAt)
	}

	normal, err := est.ForJob(models.JobTypeGeneration, models.JobPriorityNormal, noon)
	if err != nil {
		t.Fatalf("normal: %v", err)
	}
	if want := at(t, "22:00"); !normal.StartAt.Equal(want) {
		t.Errorf("normal StartAt = %v, want the window opening %v", normal.StartAt, want)
	}
}
