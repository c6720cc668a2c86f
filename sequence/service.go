package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"leadflow/models"
	"leadflow/store"
)

var (
	// ErrNoState means no sequence exists for the lead.
	ErrNoState = errors.New("no sequence state found")
	// ErrSequenceExists means a sequence was already created for the lead.
	ErrSequenceExists = errors.New("sequence already exists")
	// ErrInvalidTransition means the requested day or status change is not
	// in the transition tables. Callers surface it as a rejection, not a
	// crash.
	ErrInvalidTransition = errors.New("invalid transition")
)

const leadLockPrefix = "sequence:lock:"

// Service is the sole mutator of SequenceState. Every mutation validates
// against the transition tables and persists through the state store; the
// per-lead lock serializes concurrent read-modify-write pipelines.
type Service struct {
	store     store.StateStore
	locker    *redislock.Client
	logger    *logrus.Logger
	validator Validator

	// lockTTL bounds how long one pipeline may hold a lead's lock.
	lockTTL time.Duration
}

func NewService(st store.StateStore, locker *redislock.Client, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:   st,
		locker:  locker,
		logger:  logger,
		lockTTL: 30 * time.Second,
	}
}

// WithLeadLock runs fn while holding the lead's named lock. Both the
// scheduler's execution pipeline and the API handlers wrap their
// read-decide-mutate-persist sequences in this to keep concurrent jobs for
// the same lead from racing. With no lock client configured (unit tests
// against a bare store) fn runs unguarded.
func (s *Service) WithLeadLock(ctx context.Context, leadID string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	lock, err := s.locker.Obtain(ctx, leadLockPrefix+leadID, s.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
	})
	if err == redislock.ErrNotObtained {
		return fmt.Errorf("could not obtain lock for lead %s", leadID)
	}
	if err != nil {
		return fmt.Errorf("failed to obtain lock for lead %s: %w", leadID, err)
	}
	defer func() {
		_ = lock.Release(ctx)
	}()
	return fn(ctx)
}

// CreateSequence creates the lead's sequence state and registers the lead
// in the active index. Creating a sequence for a lead that already has one
// fails with ErrSequenceExists.
func (s *Service) CreateSequence(ctx context.Context, leadID string, initialDay models.SequenceDay) (*models.SequenceState, error) {
	if initialDay == "" {
		initialDay = models.Day3
	}
	if !initialDay.IsValid() {
		return nil, fmt.Errorf("unknown sequence day %q", initialDay)
	}

	existing, err := s.store.GetState(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w for lead %s", ErrSequenceExists, leadID)
	}

	now := time.Now().UTC()
	state := &models.SequenceState{
		LeadID:           leadID,
		CurrentDay:       initialDay,
		Status:           models.StatusPending,
		StartedAt:        &now,
		EngagementStatus: models.EngagementNew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.SaveState(ctx, state); err != nil {
		return nil, err
	}
	if err := s.store.AddActive(ctx, leadID); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"lead_id": leadID,
		"day":     initialDay,
	}).Info("sequence created")
	return state, nil
}

// GetState is a pure read; returns (nil, nil) when the lead has no sequence.
func (s *Service) GetState(ctx context.Context, leadID string) (*models.SequenceState, error) {
	return s.store.GetState(ctx, leadID)
}

// SaveState persists the full state, refreshing UpdatedAt and the
// retention TTL.
func (s *Service) SaveState(ctx context.Context, state *models.SequenceState) error {
	state.UpdatedAt = time.Now().UTC()
	return s.store.SaveState(ctx, state)
}

// AdvanceToNextDay moves the lead to the next day on the fixed path,
// marking the day being left as completed. Reaching NURTURE completes the
// sequence and removes the lead from the active index; otherwise
// NextScheduledAt is set from the fixed offset table. force bypasses
// validation for operator/recovery use.
func (s *Service) AdvanceToNextDay(ctx context.Context, leadID string, force bool) (*models.SequenceState, error) {
	state, err := s.store.GetState(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w for lead %s", ErrNoState, leadID)
	}
	if state.Status == models.StatusCompleted {
		return nil, fmt.Errorf("%w: sequence for lead %s is completed", ErrInvalidTransition, leadID)
	}
	if !force && state.Status != models.StatusPending && state.Status != models.StatusInProgress {
		return nil, fmt.Errorf("%w: cannot advance while status is %s", ErrInvalidTransition, state.Status)
	}

	next, ok := NextDay(state.CurrentDay)
	if !ok {
		return nil, fmt.Errorf("%w: day %s is terminal", ErrInvalidTransition, state.CurrentDay)
	}
	if !force {
		if err := s.validator.ValidateDay(state.CurrentDay, next); err != nil {
			return nil, err
		}
	} else {
		s.logger.WithFields(logrus.Fields{
			"lead_id": leadID,
			"from":    state.CurrentDay,
			"to":      next,
			"forced":  true,
		}).Warn("forced day transition")
	}

	now := time.Now().UTC()
	prev := state.CurrentDay
	state.SetDayCompleted(prev, now)
	state.CurrentDay = next
	state.LastActionAt = &now

	if next == models.DayNurture {
		state.Status = models.StatusCompleted
		state.NextScheduledAt = nil
		state.EngagementStatus = models.EngagementNurture
		if err := s.SaveState(ctx, state); err != nil {
			return nil, err
		}
		if err := s.store.RemoveActive(ctx, leadID); err != nil {
			return nil, err
		}
	} else {
		if state.Status == models.StatusPending {
			state.Status = models.StatusInProgress
		}
		if delay, ok := AdvanceDelay(prev); ok {
			at := now.Add(delay)
			state.NextScheduledAt = &at
		}
		if err := s.SaveState(ctx, state); err != nil {
			return nil, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"lead_id": leadID,
		"from":    prev,
		"to":      next,
		"status":  state.Status,
	}).Info("sequence advanced")
	return state, nil
}

// MarkActionCompleted idempotently flips the day's completion flag and
// delivery timestamp without moving the day pointer, so "delivered" and
// "advanced" stay separately observable. A completed sequence rejects
// further marks.
func (s *Service) MarkActionCompleted(ctx context.Context, leadID string, day models.SequenceDay, action models.ActionType) error {
	state, err := s.store.GetState(ctx, leadID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w for lead %s", ErrNoState, leadID)
	}
	if state.Status == models.StatusCompleted {
		return fmt.Errorf("%w: sequence for lead %s is completed", ErrInvalidTransition, leadID)
	}
	if state.DayCompleted(day) {
		return nil
	}

	now := time.Now().UTC()
	if !state.SetDayCompleted(day, now) {
		return fmt.Errorf("day %s has no completion flag", day)
	}
	state.LastActionAt = &now
	if err := s.SaveState(ctx, state); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"lead_id": leadID,
		"day":     day,
		"action":  action,
	}).Info("sequence action completed")
	return nil
}

// RecordEngagement registers an inbound response from the lead. It never
// moves the day pointer. A lead responding mid-sequence (past day 3) or
// coming back from ghosted is labeled re_engaged; otherwise responsive.
// kind "stall_breaker" additionally bumps the stall-breaker counter.
func (s *Service) RecordEngagement(ctx context.Context, leadID, kind string) error {
	state, err := s.store.GetState(ctx, leadID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w for lead %s", ErrNoState, leadID)
	}

	now := time.Now().UTC()
	state.ResponseCount++
	state.LastResponseAt = &now
	if state.EngagementStatus == models.EngagementGhosted || (state.CurrentDay != models.Day3 && state.CurrentDay != models.DayInitial) {
		state.EngagementStatus = models.EngagementReEngaged
	} else {
		state.EngagementStatus = models.EngagementResponsive
	}
	if kind == "stall_breaker" {
		state.StallBreakerAttempts++
	}
	return s.SaveState(ctx, state)
}

// MarkCMAGenerated records that a comparative market analysis was produced
// for the lead. Idempotent.
func (s *Service) MarkCMAGenerated(ctx context.Context, leadID string) error {
	state, err := s.store.GetState(ctx, leadID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w for lead %s", ErrNoState, leadID)
	}
	if state.CMAGenerated {
		return nil
	}
	now := time.Now().UTC()
	state.CMAGenerated = true
	state.CMAGeneratedAt = &now
	return s.SaveState(ctx, state)
}

// TransitionStatus applies a validated status change. force bypasses the
// table for operator/recovery use and is logged distinctly.
func (s *Service) TransitionStatus(ctx context.Context, leadID string, newStatus models.SequenceStatus, force bool) error {
	state, err := s.store.GetState(ctx, leadID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w for lead %s", ErrNoState, leadID)
	}
	if !force {
		if err := s.validator.ValidateStatus(state.Status, newStatus); err != nil {
			return err
		}
	} else {
		s.logger.WithFields(logrus.Fields{
			"lead_id": leadID,
			"from":    state.Status,
			"to":      newStatus,
			"forced":  true,
		}).Warn("forced status transition")
	}

	state.Status = newStatus
	if newStatus == models.StatusCompleted {
		state.NextScheduledAt = nil
	}
	if err := s.SaveState(ctx, state); err != nil {
		return err
	}
	if newStatus == models.StatusCompleted {
		return s.store.RemoveActive(ctx, leadID)
	}
	return nil
}

// PauseSequence suspends an in-flight sequence.
func (s *Service) PauseSequence(ctx context.Context, leadID string) error {
	return s.TransitionStatus(ctx, leadID, models.StatusPaused, false)
}

// ResumeSequence returns a paused sequence to in_progress.
func (s *Service) ResumeSequence(ctx context.Context, leadID string) error {
	return s.TransitionStatus(ctx, leadID, models.StatusInProgress, false)
}

// CompleteSequence finishes the sequence with a final engagement label and
// drops the lead from the active index. The status transition is
// validated: completing a sequence that never started (PENDING) is
// rejected per the transition table.
func (s *Service) CompleteSequence(ctx context.Context, leadID, finalEngagement string) error {
	state, err := s.store.GetState(ctx, leadID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w for lead %s", ErrNoState, leadID)
	}
	if err := s.validator.ValidateStatus(state.Status, models.StatusCompleted); err != nil {
		return err
	}

	state.Status = models.StatusCompleted
	state.NextScheduledAt = nil
	if finalEngagement != "" {
		state.EngagementStatus = finalEngagement
	}
	if err := s.SaveState(ctx, state); err != nil {
		return err
	}
	return s.store.RemoveActive(ctx, leadID)
}

// QualifySequence short-circuits the day graph: the lead jumps to
// QUALIFIED from any non-terminal day and the sequence completes with the
// qualified engagement label.
func (s *Service) QualifySequence(ctx context.Context, leadID string) (*models.SequenceState, error) {
	state, err := s.store.GetState(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w for lead %s", ErrNoState, leadID)
	}
	if err := s.validator.ValidateDay(state.CurrentDay, models.DayQualified); err != nil {
		return nil, err
	}

	state.CurrentDay = models.DayQualified
	state.Status = models.StatusCompleted
	state.NextScheduledAt = nil
	state.EngagementStatus = models.EngagementQualified
	if err := s.SaveState(ctx, state); err != nil {
		return nil, err
	}
	if err := s.store.RemoveActive(ctx, leadID); err != nil {
		return nil, err
	}

	s.logger.WithField("lead_id", leadID).Info("lead qualified, sequence short-circuited")
	return state, nil
}

// GetSequencesDueForAction scans the active index for pending sequences
// whose next action falls inside the window. Used by the recovery sweep.
func (s *Service) GetSequencesDueForAction(ctx context.Context, within time.Duration) ([]*models.SequenceState, error) {
	leadIDs, err := s.store.ActiveLeadIDs(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(within)
	var due []*models.SequenceState
	for _, leadID := range leadIDs {
		state, err := s.store.GetState(ctx, leadID)
		if err != nil {
			s.logger.WithError(err).WithField("lead_id", leadID).Warn("skipping unreadable state during sweep")
			continue
		}
		if state == nil {
			continue
		}
		if state.Status != models.StatusPending {
			continue
		}
		if state.NextScheduledAt != nil && state.NextScheduledAt.Before(cutoff) {
			due = append(due, state)
		}
	}
	return due, nil
}

// CleanupExpiredSequences removes state and index entries for sequences
// started before the cutoff. Returns the number removed.
func (s *Service) CleanupExpiredSequences(ctx context.Context, olderThan time.Duration) (int, error) {
	leadIDs, err := s.store.ActiveLeadIDs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, leadID := range leadIDs {
		state, err := s.store.GetState(ctx, leadID)
		if err != nil {
			continue
		}
		if state == nil {
			// Index entry with no backing record: reconcile.
			_ = s.store.RemoveActive(ctx, leadID)
			continue
		}
		if state.StartedAt != nil && state.StartedAt.Before(cutoff) {
			if err := s.store.DeleteState(ctx, leadID); err != nil {
				continue
			}
			_ = s.store.RemoveActive(ctx, leadID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("cleaned up expired sequences")
	}
	return removed, nil
}
