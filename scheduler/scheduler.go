package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"leadflow/models"
	"leadflow/sequence"
	"leadflow/store"
)

// Config tunes the scheduler's retry and recovery behavior.
type Config struct {
	// MaxRetries bounds automatic retries per job before permanent failure.
	MaxRetries int
	// RetryBackoffBase scales the backoff curve: delay = base * n².
	// Default 5 minutes, giving 5/20/45 minute retries.
	RetryBackoffBase time.Duration
	// CatchupDelay is applied to jobs whose run time already passed when
	// they are restored or resumed, so a restart does not fire a burst
	// instantly.
	CatchupDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 5 * time.Minute
	}
	if c.CatchupDelay <= 0 {
		c.CatchupDelay = 30 * time.Second
	}
	return c
}

// Executor is the scheduler's view of action execution.
type Executor interface {
	Execute(ctx context.Context, leadID string, day models.SequenceDay, action models.ActionType) (qualified bool, err error)
}

// Status is a point-in-time observability snapshot of the scheduler.
type Status struct {
	Running     bool           `json:"running"`
	TotalJobs   int            `json:"total_jobs"`
	JobsByLead  map[string]int `json:"jobs_by_lead"`
	ArmedTimers int            `json:"armed_timers"`
}

// Scheduler fires sequence actions at their scheduled times, persists
// jobs so they survive restarts, and retries failures with exponential
// backoff. Each job fires as an independent goroutine; a slow delivery
// for one lead never stalls another lead's jobs.
type Scheduler struct {
	store    store.StateStore
	service  *sequence.Service
	executor Executor
	events   store.EventRecorder
	logger   *logrus.Logger
	cfg      Config

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(st store.StateStore, svc *sequence.Service, exec Executor, events store.EventRecorder, logger *logrus.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		store:    st,
		service:  svc,
		executor: exec,
		events:   events,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		timers:   make(map[string]*time.Timer),
	}
}

// Backoff returns the retry delay for the nth attempt (1-based).
func (s *Scheduler) Backoff(retryCount int) time.Duration {
	return s.cfg.RetryBackoffBase * time.Duration(retryCount*retryCount)
}

// Start arms the scheduler and restores persisted jobs. Returns the
// number of jobs restored.
func (s *Scheduler) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, errors.New("scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	restored, err := s.RestorePendingSchedules(s.ctx)
	if err != nil {
		return restored, fmt.Errorf("failed to restore pending schedules: %w", err)
	}
	s.logger.WithField("restored", restored).Info("scheduler started")
	return restored, nil
}

// Stop disarms all timers. Persisted jobs remain in the store for the
// next Start. Already-executing actions are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ScheduleSequenceStart creates the lead's sequence if absent and
// schedules its first action after the delay.
func (s *Scheduler) ScheduleSequenceStart(ctx context.Context, leadID string, delay time.Duration) error {
	state, err := s.service.GetState(ctx, leadID)
	if err != nil {
		return err
	}
	if state == nil {
		state, err = s.service.CreateSequence(ctx, leadID, models.Day3)
		if err != nil {
			return err
		}
	}
	if state.CurrentDay.IsTerminal() {
		return fmt.Errorf("sequence for lead %s is already terminal (%s)", leadID, state.CurrentDay)
	}

	day := state.CurrentDay
	if day == models.DayInitial {
		day = models.Day3
	}
	action, ok := sequence.DayAction(day)
	if !ok {
		return fmt.Errorf("day %s has no scheduled action", day)
	}

	runAt := time.Now().UTC().Add(delay)
	if err := s.scheduleJob(ctx, leadID, day, action, runAt); err != nil {
		return err
	}
	state.NextScheduledAt = &runAt
	return s.service.SaveState(ctx, state)
}

// ScheduleNextAction computes the next (day, action, run time) after
// currentDay from the fixed offset table and schedules it, replacing any
// job with the same deterministic ID. Reaching the end of the table is
// not an error; there is simply nothing left to schedule.
func (s *Scheduler) ScheduleNextAction(ctx context.Context, leadID string, currentDay models.SequenceDay) error {
	next, ok := sequence.NextDay(currentDay)
	if !ok || next.IsTerminal() {
		return nil
	}
	action, ok := sequence.DayAction(next)
	if !ok {
		return nil
	}
	delay, ok := sequence.AdvanceDelay(currentDay)
	if !ok {
		return nil
	}
	return s.scheduleJob(ctx, leadID, next, action, time.Now().UTC().Add(delay))
}

// ScheduleAt schedules (or re-derives) a specific day's action at an
// explicit time. Run times already in the past are pushed out by the
// catch-up delay. Used by the reconciliation sweep; idempotent thanks to
// deterministic job IDs.
func (s *Scheduler) ScheduleAt(ctx context.Context, leadID string, day models.SequenceDay, action models.ActionType, runAt time.Time) error {
	now := time.Now().UTC()
	if runAt.Before(now) {
		runAt = now.Add(s.cfg.CatchupDelay)
	}
	return s.scheduleJob(ctx, leadID, day, action, runAt)
}

// TriggerAction executes a specific day's action immediately, bypassing
// the schedule. Admin/operator surface.
func (s *Scheduler) TriggerAction(ctx context.Context, leadID string, day models.SequenceDay, action models.ActionType) error {
	job := &models.ScheduledJob{
		JobID:      models.JobID(leadID, day, action),
		LeadID:     leadID,
		Day:        day,
		Action:     action,
		RunAt:      time.Now().UTC(),
		MaxRetries: s.cfg.MaxRetries,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}
	return s.executeJob(ctx, job)
}

// CancelSequence removes every pending job for the lead. Returns how many
// jobs were removed.
func (s *Scheduler) CancelSequence(ctx context.Context, leadID string) (int, error) {
	jobs, err := s.store.LeadJobs(ctx, leadID)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		s.disarmTimer(job.JobID)
		if err := s.store.DeleteJob(ctx, job.JobID); err != nil {
			return 0, err
		}
	}
	if len(jobs) > 0 {
		s.logger.WithFields(logrus.Fields{"lead_id": leadID, "jobs": len(jobs)}).Info("sequence jobs canceled")
	}
	return len(jobs), nil
}

// PauseSequence disarms the lead's timers without deleting the jobs, so
// they can be resumed later. Distinct from the sequence status field,
// which the caller keeps in sync through the service.
func (s *Scheduler) PauseSequence(ctx context.Context, leadID string) error {
	jobs, err := s.store.LeadJobs(ctx, leadID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		s.disarmTimer(job.JobID)
		job.Paused = true
		job.UpdatedAt = time.Now().UTC()
		if err := s.store.SaveJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// ResumeSequence re-arms the lead's paused jobs. Run times already in the
// past are pushed out by the catch-up delay.
func (s *Scheduler) ResumeSequence(ctx context.Context, leadID string) error {
	jobs, err := s.store.LeadJobs(ctx, leadID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		if !job.Paused {
			continue
		}
		job.Paused = false
		if job.RunAt.Before(now) {
			job.RunAt = now.Add(s.cfg.CatchupDelay)
		}
		job.UpdatedAt = now
		if err := s.store.SaveJob(ctx, job); err != nil {
			return err
		}
		s.armTimer(job)
	}
	return nil
}

// GetStatus reports job counts grouped by lead.
func (s *Scheduler) GetStatus(ctx context.Context) (*Status, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	byLead := make(map[string]int)
	for _, job := range jobs {
		byLead[job.LeadID]++
	}
	s.mu.Lock()
	armed := len(s.timers)
	running := s.running
	s.mu.Unlock()
	return &Status{
		Running:     running,
		TotalJobs:   len(jobs),
		JobsByLead:  byLead,
		ArmedTimers: armed,
	}, nil
}

// RestorePendingSchedules re-arms persisted jobs and reconciles the
// active sequences whose next action lost its job record (e.g. a crash
// between state save and job save). Deterministic job IDs make the
// double-derivation idempotent. Returns the number of timers armed.
func (s *Scheduler) RestorePendingSchedules(ctx context.Context) (int, error) {
	restored := 0

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(jobs))
	now := time.Now().UTC()
	for _, job := range jobs {
		seen[job.JobID] = true
		if job.Paused {
			continue
		}
		if job.RunAt.Before(now) {
			job.RunAt = now.Add(s.cfg.CatchupDelay)
			job.UpdatedAt = now
			if err := s.store.SaveJob(ctx, job); err != nil {
				return restored, err
			}
		}
		s.armTimer(job)
		restored++
	}

	leadIDs, err := s.store.ActiveLeadIDs(ctx)
	if err != nil {
		return restored, err
	}
	for _, leadID := range leadIDs {
		state, err := s.service.GetState(ctx, leadID)
		if err != nil || state == nil {
			continue
		}
		if state.Status != models.StatusPending && state.Status != models.StatusInProgress {
			continue
		}
		if state.NextScheduledAt == nil || !state.NextScheduledAt.After(now) {
			continue
		}
		day := state.CurrentDay
		action, ok := sequence.DayAction(day)
		if !ok {
			continue
		}
		jobID := models.JobID(leadID, day, action)
		if seen[jobID] {
			continue
		}
		if err := s.scheduleJob(ctx, leadID, day, action, *state.NextScheduledAt); err != nil {
			s.logger.WithError(err).WithField("lead_id", leadID).Warn("failed to re-derive job during restore")
			continue
		}
		restored++
	}

	return restored, nil
}

func (s *Scheduler) scheduleJob(ctx context.Context, leadID string, day models.SequenceDay, action models.ActionType, runAt time.Time) error {
	now := time.Now().UTC()
	job := &models.ScheduledJob{
		JobID:      models.JobID(leadID, day, action),
		LeadID:     leadID,
		Day:        day,
		Action:     action,
		RunAt:      runAt,
		MaxRetries: s.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}
	s.armTimer(job)
	s.logger.WithFields(logrus.Fields{
		"job_id": job.JobID,
		"run_at": runAt,
	}).Info("job scheduled")
	return nil
}

// armTimer registers (or replaces) the in-memory timer for a job.
func (s *Scheduler) armTimer(job *models.ScheduledJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		// Not started: the job is persisted and will be armed by
		// RestorePendingSchedules on the next Start.
		return
	}
	if existing, ok := s.timers[job.JobID]; ok {
		existing.Stop()
	}
	delay := time.Until(job.RunAt)
	if delay < 0 {
		delay = 0
	}
	jobID := job.JobID
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.fire(jobID)
	})
}

func (s *Scheduler) disarmTimer(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[jobID]; ok {
		timer.Stop()
		delete(s.timers, jobID)
	}
}

// fire is the timer callback; it re-reads the job record so a replaced or
// canceled job is not executed from a stale snapshot.
func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	delete(s.timers, jobID)
	ctx := s.ctx
	running := s.running
	s.mu.Unlock()
	if !running || ctx == nil || ctx.Err() != nil {
		return
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("failed to load job at fire time")
		return
	}
	if job == nil || job.Paused {
		return
	}
	if err := s.executeJob(ctx, job); err != nil {
		s.logger.WithError(err).WithField("job_id", job.JobID).Warn("job execution failed")
	}
}

// executeJob runs the full read-decide-mutate-persist pipeline for one
// job under the lead's lock: duplicate guard, execute, mark completed,
// schedule next, advance. On failure it hands the job to the retry path.
func (s *Scheduler) executeJob(ctx context.Context, job *models.ScheduledJob) error {
	return s.service.WithLeadLock(ctx, job.LeadID, func(ctx context.Context) error {
		state, err := s.service.GetState(ctx, job.LeadID)
		if err != nil {
			return s.scheduleRetry(ctx, job, err)
		}
		if state == nil {
			// Sequence gone (expired or canceled): drop the job.
			return s.store.DeleteJob(ctx, job.JobID)
		}
		if state.DayCompleted(job.Day) {
			// Duplicate execution guard: already delivered, silent no-op.
			s.logger.WithFields(logrus.Fields{
				"job_id": job.JobID,
				"day":    job.Day,
			}).Debug("skipping already-completed action")
			return s.store.DeleteJob(ctx, job.JobID)
		}
		switch state.Status {
		case models.StatusPaused:
			// Leave the job in place; resume re-arms it.
			return nil
		case models.StatusCompleted, models.StatusFailed:
			return s.store.DeleteJob(ctx, job.JobID)
		case models.StatusPending:
			if err := s.service.TransitionStatus(ctx, job.LeadID, models.StatusInProgress, false); err != nil {
				return s.scheduleRetry(ctx, job, err)
			}
		}

		qualified, err := s.executor.Execute(ctx, job.LeadID, job.Day, job.Action)
		if errors.Is(err, ErrDoNotContact) {
			return s.dropDoNotContact(ctx, job)
		}
		if err != nil {
			return s.scheduleRetry(ctx, job, err)
		}

		if qualified {
			return s.qualifyLead(ctx, job)
		}

		if err := s.service.MarkActionCompleted(ctx, job.LeadID, job.Day, job.Action); err != nil {
			return s.scheduleRetry(ctx, job, err)
		}
		if err := s.ScheduleNextAction(ctx, job.LeadID, job.Day); err != nil {
			return s.scheduleRetry(ctx, job, err)
		}
		if _, err := s.service.AdvanceToNextDay(ctx, job.LeadID, false); err != nil {
			s.logger.WithError(err).WithField("lead_id", job.LeadID).Warn("could not advance after delivery")
		}
		return s.store.DeleteJob(ctx, job.JobID)
	})
}

// scheduleRetry re-schedules the job with exponential backoff
// (base * n², default 5/20/45 minutes). Beyond MaxRetries the sequence is
// marked failed and an operator-visible event is recorded; no further
// automatic retries.
func (s *Scheduler) scheduleRetry(ctx context.Context, job *models.ScheduledJob, cause error) error {
	attempt := job.RetryCount + 1
	if attempt > job.MaxRetries {
		s.logger.WithError(cause).WithFields(logrus.Fields{
			"job_id":  job.JobID,
			"retries": job.RetryCount,
		}).Error("retries exhausted, flagging sequence for manual attention")

		if err := s.service.TransitionStatus(ctx, job.LeadID, models.StatusFailed, false); err != nil {
			s.logger.WithError(err).WithField("lead_id", job.LeadID).Error("could not mark sequence failed")
		}
		if s.events != nil {
			_ = s.events.RecordEvent(ctx, &models.SequenceEvent{
				LeadID:     job.LeadID,
				Level:      models.EventLevelError,
				Code:       models.EventRetryExhausted,
				Message:    cause.Error(),
				Day:        string(job.Day),
				ActionType: string(job.Action),
			})
		}
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("lead_id", job.LeadID)
			scope.SetTag("sequence_day", string(job.Day))
			scope.SetTag("action_type", string(job.Action))
			sentry.CaptureException(cause)
		})
		return s.store.DeleteJob(ctx, job.JobID)
	}

	job.RetryCount = attempt
	job.RunAt = time.Now().UTC().Add(s.Backoff(attempt))
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}
	s.armTimer(job)
	s.logger.WithFields(logrus.Fields{
		"job_id":  job.JobID,
		"attempt": attempt,
		"run_at":  job.RunAt,
	}).Warn("delivery failed, retry scheduled")
	return nil
}

func (s *Scheduler) qualifyLead(ctx context.Context, job *models.ScheduledJob) error {
	if _, err := s.service.QualifySequence(ctx, job.LeadID); err != nil {
		return s.scheduleRetry(ctx, job, err)
	}
	if _, err := s.CancelSequence(ctx, job.LeadID); err != nil {
		return err
	}
	if s.events != nil {
		_ = s.events.RecordEvent(ctx, &models.SequenceEvent{
			LeadID:  job.LeadID,
			Level:   models.EventLevelInfo,
			Code:    models.EventLeadQualified,
			Message: "intent score cleared qualification threshold",
			Day:     string(job.Day),
		})
	}
	return nil
}

func (s *Scheduler) dropDoNotContact(ctx context.Context, job *models.ScheduledJob) error {
	s.logger.WithField("lead_id", job.LeadID).Warn("lead is do-not-contact, canceling sequence")
	if _, err := s.CancelSequence(ctx, job.LeadID); err != nil {
		return err
	}
	if err := s.service.CompleteSequence(ctx, job.LeadID, "do_not_contact"); err != nil {
		// Completing may be rejected (e.g. still pending); force failure
		// status so the lead leaves the schedule either way.
		if err := s.service.TransitionStatus(ctx, job.LeadID, models.StatusFailed, false); err != nil {
			return err
		}
	}
	if s.events != nil {
		_ = s.events.RecordEvent(ctx, &models.SequenceEvent{
			LeadID:  job.LeadID,
			Level:   models.EventLevelWarning,
			Code:    models.EventSequenceCanceled,
			Message: "lead is marked do-not-contact",
			Day:     string(job.Day),
		})
	}
	return nil
}
