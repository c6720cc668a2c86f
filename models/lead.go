package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead holds the contact details the delivery gateways need to reach a
// lead. The external ID is the CRM's stable identifier and is the key the
// sequence core uses everywhere; the row itself is intake bookkeeping.
type Lead struct {
	gorm.Model
	ExternalID string `gorm:"not null;uniqueIndex" json:"external_id"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Source    string `json:"source"` // webhook, manual, import

	IsDoNotContact bool       `gorm:"default:false" json:"is_do_not_contact"`
	LastContactAt  *time.Time `json:"last_contact_at"`
}
