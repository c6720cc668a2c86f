package models

import (
	"fmt"
	"time"
)

// ScheduledJob is one persisted unit of future work for the scheduler.
// Job identity is deterministic over (lead, day, action) so re-scheduling
// the same action replaces the existing record instead of duplicating it.
type ScheduledJob struct {
	JobID      string      `json:"job_id"`
	LeadID     string      `json:"lead_id"`
	Day        SequenceDay `json:"sequence_day"`
	Action     ActionType  `json:"action_type"`
	RunAt      time.Time   `json:"run_at"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`
	Paused     bool        `json:"paused"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// JobID builds the deterministic identifier for a lead/day/action job.
func JobID(leadID string, day SequenceDay, action ActionType) string {
	return fmt.Sprintf("%s:%s:%s", leadID, day, action)
}
