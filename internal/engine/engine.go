package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/conduitd/conduit/internal/config"
	"github.com/conduitd/conduit/internal/database"
	"github.com/conduitd/conduit/internal/jobstore"
	"github.com/conduitd/conduit/internal/output"
	"github.com/conduitd/conduit/internal/scheduler"
	"github.com/conduitd/conduit/internal/secrets"
	"github.com/conduitd/conduit/internal/transform"
	"github.com/conduitd/conduit/pkg/types"
)

// Engine wires the stores, watchers, connection manager, dispatcher and
// scheduler into the programmatic surface the process wrapper consumes:
// Start, Stop, ExecuteJobOnce, GetRunningJobs, GetScheduledJobs.
type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	secretStore   *secrets.Store
	secretWatcher *secrets.Watcher
	jobStore      *jobstore.Store
	manager       *database.Manager
	scheduler     *scheduler.Scheduler

	mu      sync.Mutex
	started bool
}

// New builds an Engine from configuration.
func New(cfg *config.Config, logger *logrus.Logger) *Engine {
	secretStore := secrets.NewStore(cfg.SecretsFile, cfg.Passphrase(), logger)
	manager := database.NewManager(logger)
	dispatcher := output.NewDispatcher(secretStore, logger)
	executor := scheduler.NewExecutor(secretStore, manager, transform.NewEvaluator(), dispatcher, logger)
	sched := scheduler.NewScheduler(executor, cfg.MaxConcurrent, logger,
		scheduler.WithGracePeriod(cfg.GracePeriod()))
	jobStore := jobstore.NewStore(cfg.JobsDir, logger)

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		secretStore: secretStore,
		jobStore:    jobStore,
		manager:     manager,
		scheduler:   sched,
	}

	// Credential rotation: a completed secret reload tears down every
	// pooled connection so the next query re-authenticates. In-flight
	// runs keep the handles they already acquired.
	secretStore.OnReload(func() {
		logger.Info("Secrets changed, closing pooled database connections")
		manager.CloseAll()
	})

	jobStore.OnChange(func(snapshot map[string]types.JobDefinition) {
		sched.Apply(snapshot)
	})
	jobStore.OnError(func(file string, err error) {
		logger.WithFields(logrus.Fields{
			"file":  file,
			"error": err.Error(),
		}).Warn("Job definition rejected")
	})

	if cfg.WatchSecrets {
		e.secretWatcher = secrets.NewWatcher(secretStore, logger,
			secrets.WithDebounce(cfg.Debounce()))
	}

	return e
}

// Start loads the job set, begins the watchers and starts the
// scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if err := e.jobStore.LoadAll(); err != nil {
		return err
	}
	if e.cfg.WatchJobs {
		if err := e.jobStore.Watch(); err != nil {
			return err
		}
	}
	if e.secretWatcher != nil {
		if err := e.secretWatcher.Start(); err != nil {
			return err
		}
	}
	if err := e.scheduler.Start(); err != nil {
		return err
	}

	e.started = true
	e.logger.Info("Engine started")
	return nil
}

// Stop shuts the engine down: watchers first, then the scheduler with
// its grace period, then the pooled connections.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}

	e.jobStore.Stop()
	if e.secretWatcher != nil {
		e.secretWatcher.Stop()
	}
	e.scheduler.Shutdown()
	e.manager.CloseAll()

	e.started = false
	e.logger.Info("Engine stopped")
	return nil
}

// LoadJobs loads the job set without starting watchers or timers. It
// exists for one-shot execution from the process wrapper.
func (e *Engine) LoadJobs() error {
	return e.jobStore.LoadAll()
}

// ExecuteJobOnce runs a job immediately through the identical pipeline
// the scheduler uses and surfaces the terminal status directly.
func (e *Engine) ExecuteJobOnce(ctx context.Context, jobID string) (*types.JobExecution, error) {
	job, ok := e.jobStore.GetJob(jobID)
	if !ok {
		return nil, fmt.Errorf("job %q not found", jobID)
	}
	return e.scheduler.Execute(ctx, job)
}

// GetRunningJobs returns the in-flight executions.
func (e *Engine) GetRunningJobs() []types.JobExecution {
	return e.scheduler.GetRunning()
}

// GetScheduledJobs returns the scheduled entries with next firing
// times.
func (e *Engine) GetScheduledJobs() []scheduler.ScheduledJob {
	return e.scheduler.GetScheduled()
}

// GetJob returns a loaded job definition.
func (e *Engine) GetJob(id string) (types.JobDefinition, bool) {
	return e.jobStore.GetJob(id)
}

// GetJobs returns a snapshot of the loaded job set.
func (e *Engine) GetJobs() map[string]types.JobDefinition {
	return e.jobStore.GetJobs()
}

// LastExecution returns the most recent cached execution for a job.
func (e *Engine) LastExecution(jobID string) (*types.JobExecution, bool) {
	return e.scheduler.LastExecution(jobID)
}

// SchedulerRunning reports whether timers are firing.
func (e *Engine) SchedulerRunning() bool {
	return e.scheduler.IsRunning()
}

// StartScheduler resumes timer firing after a StopScheduler.
func (e *Engine) StartScheduler() error {
	return e.scheduler.Start()
}

// StopScheduler pauses timer firing without stopping the watchers.
func (e *Engine) StopScheduler() {
	e.scheduler.Stop()
}

// Secrets exposes the secret store for administrative tooling.
func (e *Engine) Secrets() *secrets.Store {
	return e.secretStore
}
