package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus is the operational snapshot exposed by the admin surface.
type HealthStatus struct {
	Healthy      bool       `json:"healthy"`
	Running      bool       `json:"running"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	RestoredJobs int        `json:"restored_jobs"`
	Restarts     int        `json:"restarts"`
}

// LifecycleManager binds the scheduler to the host process: one-time
// restoration of in-flight jobs on boot, stop on shutdown, and
// health/restart controls for operators. Purely operational plumbing.
type LifecycleManager struct {
	scheduler *Scheduler
	logger    *logrus.Logger

	mu        sync.Mutex
	baseCtx   context.Context
	startedAt *time.Time
	restored  int
	restarts  int
}

func NewLifecycleManager(s *Scheduler, logger *logrus.Logger) *LifecycleManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &LifecycleManager{scheduler: s, logger: logger}
}

// Start brings the scheduler up and restores persisted jobs. The context
// is the process-lifetime context; restarts reuse it so an operator
// restart over HTTP does not bind the scheduler to a request lifetime.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	restored, err := lm.scheduler.Start(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	lm.mu.Lock()
	lm.baseCtx = ctx
	lm.startedAt = &now
	lm.restored = restored
	lm.mu.Unlock()
	lm.logger.WithField("restored_jobs", restored).Info("scheduler lifecycle started")
	return nil
}

// Stop shuts the scheduler down, leaving persisted jobs for the next boot.
func (lm *LifecycleManager) Stop() {
	lm.scheduler.Stop()
	lm.logger.Info("scheduler lifecycle stopped")
}

// IsHealthy reports whether the scheduler is up.
func (lm *LifecycleManager) IsHealthy() bool {
	return lm.scheduler.IsRunning()
}

// GetHealthStatus reports the lifecycle view of the scheduler.
func (lm *LifecycleManager) GetHealthStatus() HealthStatus {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	running := lm.scheduler.IsRunning()
	return HealthStatus{
		Healthy:      running,
		Running:      running,
		StartedAt:    lm.startedAt,
		RestoredJobs: lm.restored,
		Restarts:     lm.restarts,
	}
}

// RestartScheduler stops and restarts the scheduler, re-restoring jobs
// from the store. Operator control for recovering a wedged scheduler.
func (lm *LifecycleManager) RestartScheduler() error {
	lm.mu.Lock()
	ctx := lm.baseCtx
	lm.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	lm.scheduler.Stop()
	if err := lm.Start(ctx); err != nil {
		return err
	}
	lm.mu.Lock()
	lm.restarts++
	lm.mu.Unlock()
	return nil
}
