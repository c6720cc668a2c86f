package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/scheduler"
	"leadflow/sequence"
	"leadflow/utils"
)

type SequenceController struct {
	DB        *gorm.DB
	Service   *sequence.Service
	Scheduler *scheduler.Scheduler
	Logger    *log.Logger
}

func NewSequenceController(db *gorm.DB, svc *sequence.Service, sched *scheduler.Scheduler, logger *log.Logger) *SequenceController {
	return &SequenceController{
		DB:        db,
		Service:   svc,
		Scheduler: sched,
		Logger:    logger,
	}
}

// statusForError maps service rejections to HTTP statuses: missing state
// is 404, transition-table rejections and create conflicts are 409.
func statusForError(err error) int {
	switch {
	case errors.Is(err, sequence.ErrNoState):
		return fiber.StatusNotFound
	case errors.Is(err, sequence.ErrSequenceExists), errors.Is(err, sequence.ErrInvalidTransition):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

// CreateSequence creates a sequence for a lead and schedules its first
// action.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input struct {
		LeadID       string `json:"lead_id" validate:"required"`
		DelayMinutes int    `json:"delay_minutes" validate:"min=0"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	ctx := c.UserContext()
	if _, err := sc.Service.CreateSequence(ctx, input.LeadID, models.Day3); err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	delay := time.Duration(input.DelayMinutes) * time.Minute
	if err := sc.Scheduler.ScheduleSequenceStart(ctx, input.LeadID, delay); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to schedule first action",
		})
	}

	state, err := sc.Service.GetState(ctx, input.LeadID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read sequence state",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(state)
}

// GetSequence returns the lead's sequence state.
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	leadID := c.Params("leadID")
	state, err := sc.Service.GetState(c.UserContext(), leadID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read sequence state",
		})
	}
	if state == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}
	return c.JSON(state)
}

// PauseSequence pauses both the sequence status and the underlying jobs.
func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	leadID := c.Params("leadID")
	ctx := c.UserContext()

	err := sc.Service.WithLeadLock(ctx, leadID, func(ctx context.Context) error {
		if err := sc.Service.PauseSequence(ctx, leadID); err != nil {
			return err
		}
		return sc.Scheduler.PauseSequence(ctx, leadID)
	})
	if err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"message": "Sequence paused"})
}

// ResumeSequence resumes a paused sequence and re-arms its jobs.
func (sc *SequenceController) ResumeSequence(c *fiber.Ctx) error {
	leadID := c.Params("leadID")
	ctx := c.UserContext()

	err := sc.Service.WithLeadLock(ctx, leadID, func(ctx context.Context) error {
		if err := sc.Service.ResumeSequence(ctx, leadID); err != nil {
			return err
		}
		return sc.Scheduler.ResumeSequence(ctx, leadID)
	})
	if err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"message": "Sequence resumed"})
}

// CancelSequence removes all pending jobs and completes the sequence with
// a cancelled label. Completion is validated against the status table, so
// cancelling a sequence that never started is rejected.
func (sc *SequenceController) CancelSequence(c *fiber.Ctx) error {
	leadID := c.Params("leadID")
	ctx := c.UserContext()

	var removed int
	err := sc.Service.WithLeadLock(ctx, leadID, func(ctx context.Context) error {
		n, err := sc.Scheduler.CancelSequence(ctx, leadID)
		if err != nil {
			return err
		}
		removed = n
		return sc.Service.CompleteSequence(ctx, leadID, "cancelled")
	})
	if err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"message":      "Sequence cancelled",
		"jobs_removed": removed,
	})
}

// AdvanceSequence manually advances the lead to the next day. The force
// flag bypasses transition validation for operator recovery.
func (sc *SequenceController) AdvanceSequence(c *fiber.Ctx) error {
	leadID := c.Params("leadID")
	force := c.QueryBool("force", false)
	ctx := c.UserContext()

	var state *models.SequenceState
	err := sc.Service.WithLeadLock(ctx, leadID, func(ctx context.Context) error {
		var err error
		state, err = sc.Service.AdvanceToNextDay(ctx, leadID, force)
		return err
	})
	if err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(state)
}

// TriggerAction fires a specific day's action immediately.
func (sc *SequenceController) TriggerAction(c *fiber.Ctx) error {
	leadID := c.Params("leadID")

	var input struct {
		Day        string `json:"day" validate:"required"`
		ActionType string `json:"action_type" validate:"required,oneof=sms voice_call email"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	day := models.SequenceDay(input.Day)
	if !day.IsValid() || day.IsTerminal() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Not an actionable sequence day",
		})
	}

	if err := sc.Scheduler.TriggerAction(c.UserContext(), leadID, day, models.ActionType(input.ActionType)); err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"message": "Action triggered"})
}

// ListEvents returns operator-visible sequence events, optionally
// filtered by lead.
func (sc *SequenceController) ListEvents(c *fiber.Ctx) error {
	var events []models.SequenceEvent
	query := sc.DB.WithContext(c.UserContext()).Order("created_at DESC").Limit(200)
	if leadID := c.Query("lead_id"); leadID != "" {
		query = query.Where("lead_id = ?", leadID)
	}
	if err := query.Find(&events).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list events",
		})
	}
	return c.JSON(fiber.Map{"events": events})
}
