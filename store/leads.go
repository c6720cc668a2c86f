package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"leadflow/models"
)

// LeadDirectory resolves a lead's contact details by external ID.
type LeadDirectory interface {
	FindLead(ctx context.Context, externalID string) (*models.Lead, error)
}

// GormLeadDirectory reads lead contact rows from Postgres.
type GormLeadDirectory struct {
	DB *gorm.DB
}

func NewGormLeadDirectory(db *gorm.DB) *GormLeadDirectory {
	return &GormLeadDirectory{DB: db}
}

// FindLead returns (nil, nil) when the lead is unknown.
func (d *GormLeadDirectory) FindLead(ctx context.Context, externalID string) (*models.Lead, error) {
	var lead models.Lead
	err := d.DB.WithContext(ctx).Where("external_id = ?", externalID).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lead, nil
}
