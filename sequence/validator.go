package sequence

import (
	"fmt"
	"time"

	"leadflow/models"
)

// validDayTransitions is the adjacency list for the 3-7-30 day graph.
// QUALIFIED is reachable from any non-terminal day; NURTURE and QUALIFIED
// have no outgoing edges.
var validDayTransitions = map[models.SequenceDay][]models.SequenceDay{
	models.DayInitial:   {models.Day3, models.DayQualified},
	models.Day3:         {models.Day7, models.DayQualified},
	models.Day7:         {models.Day14, models.DayQualified},
	models.Day14:        {models.Day30, models.DayQualified},
	models.Day30:        {models.DayNurture, models.DayQualified},
	models.DayNurture:   {},
	models.DayQualified: {},
}

var validStatusTransitions = map[models.SequenceStatus][]models.SequenceStatus{
	models.StatusPending:    {models.StatusInProgress, models.StatusPaused, models.StatusFailed},
	models.StatusInProgress: {models.StatusCompleted, models.StatusPaused, models.StatusFailed},
	models.StatusPaused:     {models.StatusInProgress, models.StatusCompleted, models.StatusFailed},
	models.StatusCompleted:  {},
	models.StatusFailed:     {models.StatusPending},
}

// nextDay is the deterministic advancement map used by AdvanceToNextDay.
var nextDay = map[models.SequenceDay]models.SequenceDay{
	models.DayInitial: models.Day3,
	models.Day3:       models.Day7,
	models.Day7:       models.Day14,
	models.Day14:      models.Day30,
	models.Day30:      models.DayNurture,
}

// advanceDelays maps the day being left to the wait before the next day's
// action fires.
var advanceDelays = map[models.SequenceDay]time.Duration{
	models.Day3:  4 * 24 * time.Hour,
	models.Day7:  7 * 24 * time.Hour,
	models.Day14: 16 * 24 * time.Hour,
}

// dayActions maps each actionable day to its outbound channel.
var dayActions = map[models.SequenceDay]models.ActionType{
	models.Day3:  models.ActionSMS,
	models.Day7:  models.ActionVoiceCall,
	models.Day14: models.ActionEmail,
	models.Day30: models.ActionSMS,
}

// Validator enforces the day and status transition tables.
// Self-transitions are always permitted as no-ops.
type Validator struct{}

// ValidateDay returns a descriptive error for an illegal day transition.
func (Validator) ValidateDay(from, to models.SequenceDay) error {
	if from == to {
		return nil
	}
	for _, allowed := range validDayTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: day %s -> %s", ErrInvalidTransition, from, to)
}

// ValidateStatus returns a descriptive error for an illegal status transition.
func (Validator) ValidateStatus(from, to models.SequenceStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range validStatusTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: status %s -> %s", ErrInvalidTransition, from, to)
}

// NextDay returns the day after d on the fixed advancement path. ok is
// false when d is terminal or unknown.
func NextDay(d models.SequenceDay) (models.SequenceDay, bool) {
	next, ok := nextDay[d]
	return next, ok
}

// AdvanceDelay returns how long after leaving day d the next action should
// fire. ok is false when leaving d completes the sequence.
func AdvanceDelay(d models.SequenceDay) (time.Duration, bool) {
	delay, ok := advanceDelays[d]
	return delay, ok
}

// DayAction returns the outbound channel for an actionable day.
func DayAction(d models.SequenceDay) (models.ActionType, bool) {
	action, ok := dayActions[d]
	return action, ok
}
