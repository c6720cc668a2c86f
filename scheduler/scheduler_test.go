package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/models"
	"leadflow/sequence"
	"leadflow/store"
)

type execCall struct {
	leadID string
	day    models.SequenceDay
	action models.ActionType
}

// fakeExecutor scripts delivery outcomes: fail the first failUntil calls,
// then succeed (or qualify, or report do-not-contact).
type fakeExecutor struct {
	mu        sync.Mutex
	calls     []execCall
	failUntil int
	err       error
	qualified bool
}

func (f *fakeExecutor) Execute(ctx context.Context, leadID string, day models.SequenceDay, action models.ActionType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{leadID, day, action})
	if len(f.calls) <= f.failUntil {
		if f.err != nil {
			return false, f.err
		}
		return false, errors.New("delivery failed")
	}
	if f.err != nil && f.failUntil == 0 {
		return false, f.err
	}
	return f.qualified, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []*models.SequenceEvent
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, event *models.SequenceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeRecorder) byCode(code string) []*models.SequenceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SequenceEvent
	for _, e := range f.events {
		if e.Code == code {
			out = append(out, e)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, exec Executor, cfg Config) (*Scheduler, *sequence.Service, store.StateStore, *fakeRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.NewRedisStore(client, 90*24*time.Hour)
	svc := sequence.NewService(st, nil, logger)
	events := &fakeRecorder{}
	sched := NewScheduler(st, svc, exec, events, logger, cfg)
	t.Cleanup(sched.Stop)
	return sched, svc, st, events
}

func TestBackoffCurve(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, &fakeExecutor{}, Config{})

	assert.Equal(t, 5*time.Minute, sched.Backoff(1))
	assert.Equal(t, 20*time.Minute, sched.Backoff(2))
	assert.Equal(t, 45*time.Minute, sched.Backoff(3))
}

func TestScheduleSequenceStart(t *testing.T) {
	sched, svc, st, _ := newTestScheduler(t, &fakeExecutor{}, Config{})
	ctx := context.Background()

	require.NoError(t, sched.ScheduleSequenceStart(ctx, "lead-1", 5*time.Minute))

	state, err := svc.GetState(ctx, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.Day3, state.CurrentDay)
	require.NotNil(t, state.NextScheduledAt)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), *state.NextScheduledAt, 5*time.Second)

	job, err := st.GetJob(ctx, models.JobID("lead-1", models.Day3, models.ActionSMS))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.MaxRetries)

	// Starting again for a terminal sequence is rejected.
	_, err = svc.QualifySequence(ctx, "lead-1")
	require.NoError(t, err)
	assert.Error(t, sched.ScheduleSequenceStart(ctx, "lead-1", time.Minute))
}

func TestTriggerActionDeliversAndAdvances(t *testing.T) {
	exec := &fakeExecutor{}
	sched, svc, st, _ := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)

	require.NoError(t, sched.TriggerAction(ctx, "lead-1", models.Day3, models.ActionSMS))
	assert.Equal(t, 1, exec.callCount())

	state, err := svc.GetState(ctx, "lead-1")
	require.NoError(t, err)
	assert.True(t, state.Day3Completed)
	assert.Equal(t, models.Day7, state.CurrentDay)
	assert.Equal(t, models.StatusInProgress, state.Status)

	// The fired job is gone and the next day's job is on the books at the
	// fixed offset.
	job, err := st.GetJob(ctx, models.JobID("lead-1", models.Day3, models.ActionSMS))
	require.NoError(t, err)
	assert.Nil(t, job)

	next, err := st.GetJob(ctx, models.JobID("lead-1", models.Day7, models.ActionVoiceCall))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, time.Now().UTC().Add(4*24*time.Hour), next.RunAt, 5*time.Second)
}

func TestTriggerActionDuplicateGuard(t *testing.T) {
	exec := &fakeExecutor{}
	sched, svc, st, _ := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)
	require.NoError(t, svc.MarkActionCompleted(ctx, "lead-1", models.Day3, models.ActionSMS))

	// Already delivered: silent no-op, no second send.
	require.NoError(t, sched.TriggerAction(ctx, "lead-1", models.Day3, models.ActionSMS))
	assert.Equal(t, 0, exec.callCount())

	job, err := st.GetJob(ctx, models.JobID("lead-1", models.Day3, models.ActionSMS))
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailureSchedulesRetryWithBackoff(t *testing.T) {
	exec := &fakeExecutor{failUntil: 1}
	sched, svc, st, _ := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)

	require.NoError(t, sched.TriggerAction(ctx, "lead-1", models.Day3, models.ActionSMS))

	job, err := st.GetJob(ctx, models.JobID("lead-1", models.Day3, models.ActionSMS))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.RetryCount)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), job.RunAt, 5*time.Second)

	// The day was not marked completed and the pointer did not move.
	state, err := svc.GetState(ctx, "lead-1")
	require.NoError(t, err)
	assert.False(t, state.Day3Completed)
	assert.Equal(t, models.Day3, state.CurrentDay)
	assert.Equal(t, models.StatusInProgress, state.Status)
}

func TestRetriesExhausted(t *testing.T) {
	exec := &fakeExecutor{failUntil: 10}
	sched, svc, st, events := newTestScheduler(t, exec, Config{MaxRetries: 3})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)

	job := &models.ScheduledJob{
		JobID:      models.JobID("lead-1", models.Day3, models.ActionSMS),
		LeadID:     "lead-1",
		Day:        models.Day3,
		Action:     models.ActionSMS,
		RunAt:      time.Now().UTC(),
		RetryCount: 3,
		MaxRetries: 3,
	}
	require.NoError(t, st.SaveJob(ctx, job))
	require.NoError(t, sched.executeJob(ctx, job))

	state, err := svc.GetState(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, state.Status)

	stored, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	recorded := events.byCode(models.EventRetryExhausted)
	require.Len(t, recorded, 1)
	assert.Equal(t, "lead-1", recorded[0].LeadID)
	assert.Equal(t, models.EventLevelError, recorded[0].Level)
	assert.Equal(t, string(models.Day3), recorded[0].Day)
}

func TestQualifiedShortCircuit(t *testing.T) {
	exec := &fakeExecutor{qualified: true}
	sched, svc, st, events := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)

	require.NoError(t, sched.TriggerAction(ctx, "lead-1", models.Day3, models.ActionSMS))

	state, err := svc.GetState(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.DayQualified, state.CurrentDay)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, models.EngagementQualified, state.EngagementStatus)

	jobs, err := st.LeadJobs(ctx, "lead-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.Len(t, events.byCode(models.EventLeadQualified), 1)
}

func TestDoNotContactCancels(t *testing.T) {
	exec := &fakeExecutor{err: ErrDoNotContact}
	sched, svc, st, events := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)

	require.NoError(t, sched.TriggerAction(ctx, "lead-1", models.Day3, models.ActionSMS))

	state, err := svc.GetState(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, "do_not_contact", state.EngagementStatus)

	jobs, err := st.LeadJobs(ctx, "lead-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.Len(t, events.byCode(models.EventSequenceCanceled), 1)
}

func TestExecuteJobMissingState(t *testing.T) {
	exec := &fakeExecutor{}
	sched, _, st, _ := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	job := &models.ScheduledJob{
		JobID:      models.JobID("lead-gone", models.Day3, models.ActionSMS),
		LeadID:     "lead-gone",
		Day:        models.Day3,
		Action:     models.ActionSMS,
		MaxRetries: 3,
	}
	require.NoError(t, st.SaveJob(ctx, job))
	require.NoError(t, sched.executeJob(ctx, job))

	assert.Equal(t, 0, exec.callCount())
	stored, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestExecuteJobPausedState(t *testing.T) {
	exec := &fakeExecutor{}
	sched, svc, st, _ := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)
	require.NoError(t, svc.PauseSequence(ctx, "lead-1"))

	job := &models.ScheduledJob{
		JobID:      models.JobID("lead-1", models.Day3, models.ActionSMS),
		LeadID:     "lead-1",
		Day:        models.Day3,
		Action:     models.ActionSMS,
		MaxRetries: 3,
	}
	require.NoError(t, st.SaveJob(ctx, job))
	require.NoError(t, sched.executeJob(ctx, job))

	// Nothing fired and the job is still there for the resume.
	assert.Equal(t, 0, exec.callCount())
	stored, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestPauseResumeJobs(t *testing.T) {
	sched, svc, st, _ := newTestScheduler(t, &fakeExecutor{}, Config{CatchupDelay: time.Minute})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, sched.ScheduleAt(ctx, "lead-1", models.Day3, models.ActionSMS, past.Add(2*time.Hour)))

	require.NoError(t, sched.PauseSequence(ctx, "lead-1"))
	jobs, err := st.LeadJobs(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Paused)

	// Force the run time into the past so resume applies the catch-up delay.
	jobs[0].RunAt = past
	require.NoError(t, st.SaveJob(ctx, jobs[0]))

	require.NoError(t, sched.ResumeSequence(ctx, "lead-1"))
	jobs, err = st.LeadJobs(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Paused)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Minute), jobs[0].RunAt, 5*time.Second)
}

func TestCancelSequenceRemovesJobs(t *testing.T) {
	sched, svc, st, _ := newTestScheduler(t, &fakeExecutor{}, Config{})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, sched.ScheduleAt(ctx, "lead-1", models.Day3, models.ActionSMS, future))
	require.NoError(t, sched.ScheduleAt(ctx, "lead-1", models.Day7, models.ActionVoiceCall, future))
	require.NoError(t, sched.ScheduleAt(ctx, "lead-2", models.Day3, models.ActionSMS, future))

	removed, err := sched.CancelSequence(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "lead-2", jobs[0].LeadID)
}

func TestScheduleAtReplacesExistingJob(t *testing.T) {
	sched, svc, st, _ := newTestScheduler(t, &fakeExecutor{}, Config{})
	ctx := context.Background()

	_, err := svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)

	first := time.Now().UTC().Add(time.Hour)
	require.NoError(t, sched.ScheduleAt(ctx, "lead-1", models.Day3, models.ActionSMS, first))
	second := first.Add(time.Hour)
	require.NoError(t, sched.ScheduleAt(ctx, "lead-1", models.Day3, models.ActionSMS, second))

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].RunAt.Equal(second))
}

func TestRestorePendingSchedules(t *testing.T) {
	sched, svc, st, _ := newTestScheduler(t, &fakeExecutor{}, Config{})
	ctx := context.Background()

	// A persisted job from the previous run.
	future := time.Now().UTC().Add(2 * time.Hour)
	require.NoError(t, st.SaveJob(ctx, &models.ScheduledJob{
		JobID:      models.JobID("lead-1", models.Day3, models.ActionSMS),
		LeadID:     "lead-1",
		Day:        models.Day3,
		Action:     models.ActionSMS,
		RunAt:      future,
		MaxRetries: 3,
	}))

	// An active state whose job record was lost; restore re-derives it.
	state, err := svc.CreateSequence(ctx, "lead-2", models.Day7)
	require.NoError(t, err)
	state.NextScheduledAt = &future
	require.NoError(t, svc.SaveState(ctx, state))

	// A paused job stays disarmed.
	require.NoError(t, st.SaveJob(ctx, &models.ScheduledJob{
		JobID:      models.JobID("lead-3", models.Day3, models.ActionSMS),
		LeadID:     "lead-3",
		Day:        models.Day3,
		Action:     models.ActionSMS,
		RunAt:      future,
		MaxRetries: 3,
		Paused:     true,
	}))

	restored, err := sched.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	derived, err := st.GetJob(ctx, models.JobID("lead-2", models.Day7, models.ActionVoiceCall))
	require.NoError(t, err)
	require.NotNil(t, derived)
	assert.True(t, derived.RunAt.Equal(future))

	status, err := sched.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 3, status.TotalJobs)
	assert.Equal(t, 2, status.ArmedTimers)
}

func TestRestoreClampsPastDueJobs(t *testing.T) {
	sched, _, st, _ := newTestScheduler(t, &fakeExecutor{}, Config{CatchupDelay: time.Hour})
	ctx := context.Background()

	require.NoError(t, st.SaveJob(ctx, &models.ScheduledJob{
		JobID:      models.JobID("lead-1", models.Day3, models.ActionSMS),
		LeadID:     "lead-1",
		Day:        models.Day3,
		Action:     models.ActionSMS,
		RunAt:      time.Now().UTC().Add(-3 * time.Hour),
		MaxRetries: 3,
	}))

	restored, err := sched.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	job, err := st.GetJob(ctx, models.JobID("lead-1", models.Day3, models.ActionSMS))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), job.RunAt, 5*time.Second)
}

func TestTimerFiresJob(t *testing.T) {
	exec := &fakeExecutor{}
	sched, svc, st, _ := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	_, err := sched.Start(ctx)
	require.NoError(t, err)
	_, err = svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)

	require.NoError(t, sched.ScheduleAt(ctx, "lead-1", models.Day3, models.ActionSMS, time.Now().UTC().Add(20*time.Millisecond)))

	require.Eventually(t, func() bool {
		return exec.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		state, err := svc.GetState(ctx, "lead-1")
		return err == nil && state != nil && state.CurrentDay == models.Day7
	}, 2*time.Second, 10*time.Millisecond)

	job, err := st.GetJob(ctx, models.JobID("lead-1", models.Day3, models.ActionSMS))
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStopDisarmsTimers(t *testing.T) {
	exec := &fakeExecutor{}
	sched, svc, _, _ := newTestScheduler(t, exec, Config{})
	ctx := context.Background()

	_, err := sched.Start(ctx)
	require.NoError(t, err)
	_, err = svc.CreateSequence(ctx, "lead-1", models.Day3)
	require.NoError(t, err)
	require.NoError(t, sched.ScheduleAt(ctx, "lead-1", models.Day3, models.ActionSMS, time.Now().UTC().Add(50*time.Millisecond)))

	sched.Stop()
	assert.False(t, sched.IsRunning())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, exec.callCount())
}
