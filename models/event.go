package models

import "gorm.io/gorm"

// Event levels for operator-visible sequence events.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event codes written by the core.
const (
	EventRetryExhausted   = "retry_exhausted"
	EventForcedTransition = "forced_transition"
	EventLeadQualified    = "lead_qualified"
	EventSequenceCanceled = "sequence_canceled"
)

// SequenceEvent is an operator-visible record of something that needs (or
// explains) manual attention: permanent delivery failures, forced
// transitions, qualification short-circuits. Listed via the admin API.
type SequenceEvent struct {
	gorm.Model
	LeadID     string `gorm:"not null;index" json:"lead_id"`
	Level      string `gorm:"not null" json:"level"`
	Code       string `gorm:"not null;index" json:"code"`
	Message    string `json:"message"`
	Day        string `json:"sequence_day"`
	ActionType string `json:"action_type"`
}
