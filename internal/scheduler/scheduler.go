package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/conduitd/conduit/pkg/types"
)

// DefaultGracePeriod bounds how long Stop waits for in-flight runs.
const DefaultGracePeriod = 30 * time.Second

// ScheduledJob describes one scheduled entry.
type ScheduledJob struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
}

// Scheduler owns cron scheduling and concurrency control. Schedules are
// standard cron expressions evaluated in UTC. Two independent guards
// protect executions: a per-job running flag (at most one concurrent
// instance per job, no queueing) and a global in-flight counter bounded
// by the configured maximum.
type Scheduler struct {
	cron     *cron.Cron
	executor *Executor
	logger   *logrus.Logger

	maxConcurrent int64
	sem           *semaphore.Weighted
	grace         time.Duration

	mu      sync.RWMutex
	entries map[string]cron.EntryID
	jobs    map[string]types.JobDefinition

	runningMu sync.Mutex
	running   map[string]*types.JobExecution
	stopping  bool

	lastRuns *gocache.Cache

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	startMu sync.Mutex
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGracePeriod overrides the shutdown grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// NewScheduler creates a Scheduler with the given global concurrency
// cap.
func NewScheduler(executor *Executor, maxConcurrent int, logger *logrus.Logger, opts ...Option) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:          cron.New(cron.WithLocation(time.UTC)),
		executor:      executor,
		logger:        logger,
		maxConcurrent: int64(maxConcurrent),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		grace:         DefaultGracePeriod,
		entries:       make(map[string]cron.EntryID),
		jobs:          make(map[string]types.JobDefinition),
		running:       make(map[string]*types.JobExecution),
		lastRuns:      gocache.New(time.Hour, 10*time.Minute),
		baseCtx:       ctx,
		baseCancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply diffs a job-set snapshot against the currently scheduled set:
// removed or disabled jobs lose their timer, present enabled jobs are
// (re)scheduled so a definition edit takes effect on the next tick. An
// invalid cron expression is a per-job error that never blocks
// scheduling of the other jobs.
func (s *Scheduler) Apply(snapshot map[string]types.JobDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entryID := range s.entries {
		job, ok := snapshot[id]
		if ok && job.IsEnabled() {
			continue
		}
		s.cron.Remove(entryID)
		delete(s.entries, id)
		delete(s.jobs, id)
		s.logger.WithFields(logrus.Fields{"job_id": id}).Info("Job unscheduled")
	}

	for id, job := range snapshot {
		if !job.IsEnabled() {
			continue
		}
		if prior, ok := s.entries[id]; ok {
			s.cron.Remove(prior)
		}

		job := job
		entryID, err := s.cron.AddFunc(job.Schedule, func() {
			s.fire(job.ID)
		})
		if err != nil {
			delete(s.entries, id)
			delete(s.jobs, id)
			s.logger.WithFields(logrus.Fields{
				"job_id":   id,
				"schedule": job.Schedule,
				"error":    err.Error(),
			}).Error("Invalid cron expression, job not scheduled")
			continue
		}
		s.entries[id] = entryID
		s.jobs[id] = job
		s.logger.WithFields(logrus.Fields{
			"job_id":   id,
			"schedule": job.Schedule,
		}).Info("Job scheduled")
	}
}

// fire handles a cron tick for one job. The definition is re-read from
// the scheduled set so an Apply between ticks is honored.
func (s *Scheduler) fire(jobID string) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	if _, err := s.Execute(s.baseCtx, job); err != nil {
		switch err {
		case ErrAlreadyRunning:
			s.logger.Warnf("Job %s is still running, skipping this firing", jobID)
		case ErrCapExceeded:
			s.logger.Warnf("Max concurrent executions (%d) reached, rejecting firing of %s", s.maxConcurrent, jobID)
		case ErrShuttingDown:
			s.logger.Warnf("Scheduler is shutting down, rejecting firing of %s", jobID)
		default:
			s.logger.Errorf("Job %s firing failed: %v", jobID, err)
		}
	}
}

// Execute claims both concurrency guards and runs the pipeline. It is
// the single execution path for scheduled firings and run-once, so
// ad-hoc and scheduled execution never diverge.
func (s *Scheduler) Execute(ctx context.Context, job types.JobDefinition) (*types.JobExecution, error) {
	s.runningMu.Lock()
	if s.stopping {
		s.runningMu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, inFlight := s.running[job.ID]; inFlight {
		s.runningMu.Unlock()
		return nil, ErrAlreadyRunning
	}
	placeholder := &types.JobExecution{
		JobID:     job.ID,
		StartTime: time.Now().UTC(),
		Status:    types.StatusRunning,
	}
	s.running[job.ID] = placeholder
	// Add happens under runningMu so it is ordered against Stop setting
	// the stopping flag before it waits.
	s.wg.Add(1)
	s.runningMu.Unlock()

	if !s.sem.TryAcquire(1) {
		s.runningMu.Lock()
		delete(s.running, job.ID)
		s.runningMu.Unlock()
		s.wg.Done()
		return nil, ErrCapExceeded
	}

	defer func() {
		s.runningMu.Lock()
		delete(s.running, job.ID)
		s.runningMu.Unlock()
		s.sem.Release(1)
		s.wg.Done()
	}()

	exec := s.executor.Execute(ctx, job)
	s.lastRuns.Set(job.ID, exec, gocache.DefaultExpiration)
	return exec, nil
}

// GetRunning returns a snapshot of in-flight executions.
func (s *Scheduler) GetRunning() []types.JobExecution {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	out := make([]types.JobExecution, 0, len(s.running))
	for _, exec := range s.running {
		out = append(out, *exec)
	}
	return out
}

// LastExecution returns the most recent completed execution for a job,
// if one is still cached.
func (s *Scheduler) LastExecution(jobID string) (*types.JobExecution, bool) {
	v, ok := s.lastRuns.Get(jobID)
	if !ok {
		return nil, false
	}
	return v.(*types.JobExecution), true
}

// GetScheduled lists the scheduled jobs with their next firing time.
func (s *Scheduler) GetScheduled() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduledJob, 0, len(s.entries))
	for id, entryID := range s.entries {
		job := s.jobs[id]
		out = append(out, ScheduledJob{
			JobID:    id,
			Name:     job.Name,
			Schedule: job.Schedule,
			NextRun:  s.cron.Entry(entryID).Next,
		})
	}
	return out
}

// Start begins firing timers.
func (s *Scheduler) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("Scheduler started")
	return nil
}

// Stop cancels all pending timers immediately, waits for in-flight runs
// up to the grace period and abandons any still running.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	s.started = false

	// Reject new executions for the duration of the drain; otherwise an
	// Execute landing mid-wait could Add concurrently with Wait on a
	// drained WaitGroup.
	s.runningMu.Lock()
	s.stopping = true
	s.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
	case <-time.After(s.grace):
		s.logger.Warnf("Grace period of %s elapsed, abandoning in-flight executions", s.grace)
	}

	s.runningMu.Lock()
	s.stopping = false
	s.runningMu.Unlock()
}

// Shutdown stops the scheduler and cancels any execution that outlived
// the grace period. The scheduler cannot be restarted afterwards.
func (s *Scheduler) Shutdown() {
	s.Stop()
	s.baseCancel()
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.started
}
