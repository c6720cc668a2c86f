package models

import "time"

// SequenceDay is a checkpoint in the 3-7-30 day nurture journey.
type SequenceDay string

const (
	DayInitial   SequenceDay = "initial"
	Day3         SequenceDay = "day_3"
	Day7         SequenceDay = "day_7"
	Day14        SequenceDay = "day_14"
	Day30        SequenceDay = "day_30"
	DayNurture   SequenceDay = "nurture"
	DayQualified SequenceDay = "qualified"
)

// IsTerminal reports whether the day has no outgoing transitions.
func (d SequenceDay) IsTerminal() bool {
	return d == DayNurture || d == DayQualified
}

// IsValid reports whether d is a known sequence day.
func (d SequenceDay) IsValid() bool {
	switch d {
	case DayInitial, Day3, Day7, Day14, Day30, DayNurture, DayQualified:
		return true
	}
	return false
}

// SequenceStatus is the lifecycle status of a lead's sequence.
type SequenceStatus string

const (
	StatusPending    SequenceStatus = "pending"
	StatusInProgress SequenceStatus = "in_progress"
	StatusPaused     SequenceStatus = "paused"
	StatusCompleted  SequenceStatus = "completed"
	StatusFailed     SequenceStatus = "failed"
)

// ActionType is the outbound channel for a sequence action.
type ActionType string

const (
	ActionSMS       ActionType = "sms"
	ActionVoiceCall ActionType = "voice_call"
	ActionEmail     ActionType = "email"
)

// Engagement status labels. Free-form by contract, but these are the
// values the service itself writes.
const (
	EngagementNew        = "new"
	EngagementResponsive = "responsive"
	EngagementReEngaged  = "re_engaged"
	EngagementGhosted    = "ghosted"
	EngagementNurture    = "nurture"
	EngagementQualified  = "qualified"
)

// SequenceState is a lead's point-in-time progress through the nurture
// journey. Mutated only by sequence.Service; persisted as a JSON record
// in the state store.
type SequenceState struct {
	LeadID     string         `json:"lead_id"`
	CurrentDay SequenceDay    `json:"current_day"`
	Status     SequenceStatus `json:"status"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastActionAt    *time.Time `json:"last_action_at,omitempty"`
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`

	Day3Completed    bool       `json:"day_3_completed"`
	Day3DeliveredAt  *time.Time `json:"day_3_delivered_at,omitempty"`
	Day7Completed    bool       `json:"day_7_completed"`
	Day7DeliveredAt  *time.Time `json:"day_7_delivered_at,omitempty"`
	Day14Completed   bool       `json:"day_14_completed"`
	Day14DeliveredAt *time.Time `json:"day_14_delivered_at,omitempty"`
	Day30Completed   bool       `json:"day_30_completed"`
	Day30DeliveredAt *time.Time `json:"day_30_delivered_at,omitempty"`

	EngagementStatus string     `json:"engagement_status"`
	ResponseCount    int        `json:"response_count"`
	LastResponseAt   *time.Time `json:"last_response_at,omitempty"`

	CMAGenerated         bool       `json:"cma_generated"`
	CMAGeneratedAt       *time.Time `json:"cma_generated_at,omitempty"`
	StallBreakerAttempts int        `json:"stall_breaker_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DayCompleted reports whether the given day's action has been delivered.
// Days without a completion flag (initial, nurture, qualified) report false.
func (s *SequenceState) DayCompleted(day SequenceDay) bool {
	switch day {
	case Day3:
		return s.Day3Completed
	case Day7:
		return s.Day7Completed
	case Day14:
		return s.Day14Completed
	case Day30:
		return s.Day30Completed
	}
	return false
}

// SetDayCompleted flips the day's completion flag and stamps the delivery
// time. Idempotent: a day already completed keeps its original timestamp.
// Returns false for days that carry no completion flag.
func (s *SequenceState) SetDayCompleted(day SequenceDay, at time.Time) bool {
	switch day {
	case Day3:
		if !s.Day3Completed {
			s.Day3Completed = true
			s.Day3DeliveredAt = &at
		}
	case Day7:
		if !s.Day7Completed {
			s.Day7Completed = true
			s.Day7DeliveredAt = &at
		}
	case Day14:
		if !s.Day14Completed {
			s.Day14Completed = true
			s.Day14DeliveredAt = &at
		}
	case Day30:
		if !s.Day30Completed {
			s.Day30Completed = true
			s.Day30DeliveredAt = &at
		}
	default:
		return false
	}
	return true
}
