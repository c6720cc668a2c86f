package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/models"
)

func TestValidateDay(t *testing.T) {
	var v Validator

	tests := []struct {
		name string
		from models.SequenceDay
		to   models.SequenceDay
		ok   bool
	}{
		{"initial to day3", models.DayInitial, models.Day3, true},
		{"day3 to day7", models.Day3, models.Day7, true},
		{"day7 to day14", models.Day7, models.Day14, true},
		{"day14 to day30", models.Day14, models.Day30, true},
		{"day30 to nurture", models.Day30, models.DayNurture, true},
		{"qualify from initial", models.DayInitial, models.DayQualified, true},
		{"qualify from day3", models.Day3, models.DayQualified, true},
		{"qualify from day30", models.Day30, models.DayQualified, true},
		{"self transition is a no-op", models.Day7, models.Day7, true},
		{"terminal self transition", models.DayNurture, models.DayNurture, true},
		{"skip a day", models.Day3, models.Day14, false},
		{"backwards", models.Day7, models.Day3, false},
		{"out of nurture", models.DayNurture, models.Day3, false},
		{"qualify from nurture", models.DayNurture, models.DayQualified, false},
		{"out of qualified", models.DayQualified, models.Day30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDay(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestValidateStatus(t *testing.T) {
	var v Validator

	tests := []struct {
		name string
		from models.SequenceStatus
		to   models.SequenceStatus
		ok   bool
	}{
		{"pending starts", models.StatusPending, models.StatusInProgress, true},
		{"pending pauses", models.StatusPending, models.StatusPaused, true},
		{"pending fails", models.StatusPending, models.StatusFailed, true},
		{"in_progress completes", models.StatusInProgress, models.StatusCompleted, true},
		{"in_progress pauses", models.StatusInProgress, models.StatusPaused, true},
		{"paused resumes", models.StatusPaused, models.StatusInProgress, true},
		{"paused completes", models.StatusPaused, models.StatusCompleted, true},
		{"failed restarts", models.StatusFailed, models.StatusPending, true},
		{"self transition", models.StatusPaused, models.StatusPaused, true},
		{"completed self transition", models.StatusCompleted, models.StatusCompleted, true},
		{"pending cannot complete", models.StatusPending, models.StatusCompleted, false},
		{"completed is terminal", models.StatusCompleted, models.StatusInProgress, false},
		{"failed cannot resume directly", models.StatusFailed, models.StatusInProgress, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStatus(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestNextDayPath(t *testing.T) {
	path := []models.SequenceDay{models.DayInitial, models.Day3, models.Day7, models.Day14, models.Day30, models.DayNurture}
	for i := 0; i < len(path)-1; i++ {
		next, ok := NextDay(path[i])
		require.True(t, ok, "day %s should have a successor", path[i])
		assert.Equal(t, path[i+1], next)
	}

	_, ok := NextDay(models.DayNurture)
	assert.False(t, ok)
	_, ok = NextDay(models.DayQualified)
	assert.False(t, ok)
}

func TestAdvanceDelays(t *testing.T) {
	tests := []struct {
		leaving models.SequenceDay
		want    time.Duration
	}{
		{models.Day3, 4 * 24 * time.Hour},
		{models.Day7, 7 * 24 * time.Hour},
		{models.Day14, 16 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, ok := AdvanceDelay(tt.leaving)
		require.True(t, ok)
		assert.Equal(t, tt.want, got)
	}

	// Leaving day 30 completes the sequence; nothing left to wait for.
	_, ok := AdvanceDelay(models.Day30)
	assert.False(t, ok)
}

func TestDayActions(t *testing.T) {
	tests := []struct {
		day  models.SequenceDay
		want models.ActionType
	}{
		{models.Day3, models.ActionSMS},
		{models.Day7, models.ActionVoiceCall},
		{models.Day14, models.ActionEmail},
		{models.Day30, models.ActionSMS},
	}
	for _, tt := range tests {
		got, ok := DayAction(tt.day)
		require.True(t, ok)
		assert.Equal(t, tt.want, got)
	}

	_, ok := DayAction(models.DayNurture)
	assert.False(t, ok)
}
