package store

import (
	"context"

	"gorm.io/gorm"

	"leadflow/models"
)

// EventRecorder receives operator-visible sequence events. The scheduler
// depends on this interface so tests can capture events without a
// database.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event *models.SequenceEvent) error
}

// GormEventRecorder persists events as rows for the admin surface.
type GormEventRecorder struct {
	DB *gorm.DB
}

func NewGormEventRecorder(db *gorm.DB) *GormEventRecorder {
	return &GormEventRecorder{DB: db}
}

func (r *GormEventRecorder) RecordEvent(ctx context.Context, event *models.SequenceEvent) error {
	return r.DB.WithContext(ctx).Create(event).Error
}
