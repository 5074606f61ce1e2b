package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/courseloom/courseloom/config"
	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/repository"
)

// WorkWindow is the configured time-of-day range during which
// normal-priority jobs may run. Overnight spans (start > end, e.g.
// 22:00-06:00) are supported: the window is active when now >= start OR
// now < end. A disabled window means 24/7 operation.
type WorkWindow struct {
	Enabled  bool
	Start    int // minutes from midnight
	End      int
	Location *time.Location
}

func NewWorkWindow(cfg config.PipelineConfig) (*WorkWindow, error) {
	loc, err := time.LoadLocation(cfg.WorkWindowTZ)
	if err != nil {
		return nil, fmt.Errorf("work window timezone %q: %w", cfg.WorkWindowTZ, err)
	}
	start, err := parseClock(cfg.WorkWindowStart)
	if err != nil {
		return nil, fmt.Errorf("work window start: %w", err)
	}
	end, err := parseClock(cfg.WorkWindowEnd)
	if err != nil {
		return nil, fmt.Errorf("work window end: %w", err)
	}
	return &WorkWindow{
		Enabled:  cfg.WorkWindowEnabled,
		Start:    start,
		End:      end,
		Location: loc,
	}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has a bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has bad minutes", s)
	}
	return h*60 + m, nil
}

// Contains reports whether t falls inside the window. With the window
// disabled every instant is inside.
func (w *WorkWindow) Contains(t time.Time) bool {
	if !w.Enabled {
		return true
	}
	lt := t.In(w.Location)
	minutes := lt.Hour()*60 + lt.Minute()
	if w.Start == w.End {
		return true
	}
	if w.Start < w.End {
		return minutes >= w.Start && minutes < w.End
	}
	// Overnight span.
	return minutes >= w.Start || minutes < w.End
}

// NextStart returns the next window opening at or after t. Inside the
// window it returns t itself.
func (w *WorkWindow) NextStart(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	lt := t.In(w.Location)
	opening := time.Date(lt.Year(), lt.Month(), lt.Day(), w.Start/60, w.Start%60, 0, 0, w.Location)
	if !opening.After(lt) {
		opening = opening.AddDate(0, 0, 1)
	}
	return opening
}

// nextEnd returns the window close strictly after t, assuming t is inside
// the window.
func (w *WorkWindow) nextEnd(t time.Time) time.Time {
	lt := t.In(w.Location)
	closing := time.Date(lt.Year(), lt.Month(), lt.Day(), w.End/60, w.End%60, 0, 0, w.Location)
	if !closing.After(lt) {
		closing = closing.AddDate(0, 0, 1)
	}
	return closing
}

// Advance walks forward from t by the given amount of working time,
// skipping closed stretches. With the window disabled this is plain
// addition. A queue that does not fit in one window rolls over to the
// following day's window, as many times as needed.
func (w *WorkWindow) Advance(t time.Time, d time.Duration) time.Time {
	if !w.Enabled || w.Start == w.End {
		return t.Add(d)
	}
	remaining := d
	current := w.NextStart(t)
	for {
		closing := w.nextEnd(current)
		available := closing.Sub(current)
		if remaining <= available {
			return current.Add(remaining)
		}
		remaining -= available
		current = w.NextStart(closing)
	}
}

// Estimate is a queue-position-based completion forecast.
type Estimate struct {
	JobsAhead  int64         `json:"jobs_ahead"`
	AvgPerJob  time.Duration `json:"-"`
	StartAt    time.Time     `json:"estimated_start_at"`
	CompleteAt time.Time     `json:"estimated_complete_at"`
}

// Estimator derives start/complete forecasts from queue depth and a rolling
// average of past completion times, scoped per job type with a configured
// default until a type has history.
type Estimator struct {
	jobRepo  repository.JobRepository
	window   *WorkWindow
	defaults map[string]time.Duration
}

const estimateHistoryWindow = 50

func NewEstimator(jobRepo repository.JobRepository, window *WorkWindow, cfg config.PipelineConfig) *Estimator {
	return &Estimator{
		jobRepo: jobRepo,
		window:  window,
		defaults: map[string]time.Duration{
			models.JobTypeIngestion:  time.Duration(cfg.DefaultIngestionSeconds) * time.Second,
			models.JobTypeGeneration: time.Duration(cfg.DefaultGenerationSeconds) * time.Second,
		},
	}
}

func (e *Estimator) averageDuration(jobType string) time.Duration {
	durations, err := e.jobRepo.RecentDurations(jobType, estimateHistoryWindow)
	if err != nil || len(durations) == 0 {
		return e.defaultFor(jobType)
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	avg := total / time.Duration(len(durations))
	if avg <= 0 {
		return e.defaultFor(jobType)
	}
	return avg
}

func (e *Estimator) defaultFor(jobType string) time.Duration {
	if d, ok := e.defaults[jobType]; ok && d > 0 {
		return d
	}
	return time.Minute
}

// ForJob estimates when a job submitted now would start and complete.
// Immediate-priority jobs ignore the work window; normal jobs first wait for
// the next window opening, then drain the queue within window time only.
func (e *Estimator) ForJob(jobType, priority string, now time.Time) (*Estimate, error) {
	ahead, err := e.jobRepo.CountAhead(now)
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	avg := e.averageDuration(jobType)
	queueTime := time.Duration(ahead) * avg

	var start, complete time.Time
	if priority == models.JobPriorityImmediate {
		start = now.Add(queueTime)
		complete = start.Add(avg)
	} else {
		start = e.window.Advance(now, queueTime)
		complete = e.window.Advance(start, avg)
	}
	return &Estimate{
		JobsAhead:  ahead,
		AvgPerJob:  avg,
		StartAt:    start,
		CompleteAt: complete,
	}, nil
}
