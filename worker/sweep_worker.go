package worker

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"leadflow/models"
	"leadflow/scheduler"
	"leadflow/sequence"
)

// SweepWorker reconciles the scheduler with the state store: a periodic
// catch-up sweep re-schedules pending sequences whose job record was lost
// (crash between state save and job save), and a daily housekeeping pass
// expires sequences older than the retention window.
type SweepWorker struct {
	Service   *sequence.Service
	Scheduler *scheduler.Scheduler
	Logger    *log.Logger

	RetentionDays int

	cron *cron.Cron
}

func NewSweepWorker(svc *sequence.Service, sched *scheduler.Scheduler, logger *log.Logger, retentionDays int) *SweepWorker {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &SweepWorker{
		Service:       svc,
		Scheduler:     sched,
		Logger:        logger,
		RetentionDays: retentionDays,
		cron:          cron.New(),
	}
}

// Start registers the cron entries and runs until the context is
// canceled.
func (sw *SweepWorker) Start(ctx context.Context) error {
	// Every 15 minutes: reconcile pending sequences with the job store.
	if _, err := sw.cron.AddFunc("*/15 * * * *", func() {
		sw.catchUp(ctx)
	}); err != nil {
		return err
	}

	// Daily at 3 AM: expire sequences past the retention window.
	if _, err := sw.cron.AddFunc("0 3 * * *", func() {
		sw.cleanup(ctx)
	}); err != nil {
		return err
	}

	sw.cron.Start()
	sw.Logger.Println("Sweep worker started")

	go func() {
		<-ctx.Done()
		sw.cron.Stop()
		sw.Logger.Println("Sweep worker shutting down...")
	}()
	return nil
}

func (sw *SweepWorker) catchUp(ctx context.Context) {
	due, err := sw.Service.GetSequencesDueForAction(ctx, time.Hour)
	if err != nil {
		sw.Logger.Printf("Error scanning for due sequences: %v", err)
		return
	}
	for _, state := range due {
		if state.NextScheduledAt == nil || state.CurrentDay.IsTerminal() {
			continue
		}
		day := state.CurrentDay
		if day == models.DayInitial {
			day = models.Day3
		}
		action, ok := sequence.DayAction(day)
		if !ok {
			continue
		}
		// Deterministic job IDs make this idempotent against jobs the
		// scheduler already holds.
		if err := sw.Scheduler.ScheduleAt(ctx, state.LeadID, day, action, *state.NextScheduledAt); err != nil {
			sw.Logger.Printf("Error re-scheduling lead %s: %v", state.LeadID, err)
		}
	}
	if len(due) > 0 {
		sw.Logger.Printf("Catch-up sweep reconciled %d pending sequences", len(due))
	}
}

func (sw *SweepWorker) cleanup(ctx context.Context) {
	removed, err := sw.Service.CleanupExpiredSequences(ctx, time.Duration(sw.RetentionDays)*24*time.Hour)
	if err != nil {
		sw.Logger.Printf("Error cleaning up expired sequences: %v", err)
		return
	}
	if removed > 0 {
		sw.Logger.Printf("Removed %d expired sequences", removed)
	}
}
