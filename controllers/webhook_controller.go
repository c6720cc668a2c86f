package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/scheduler"
	"leadflow/sequence"
	"leadflow/utils"
)

// WebhookController receives inbound CRM events: new leads entering the
// nurture funnel and engagement (replies) from leads already in it.
type WebhookController struct {
	DB        *gorm.DB
	Service   *sequence.Service
	Scheduler *scheduler.Scheduler
	Logger    *log.Logger

	// StartDelay is applied before a new lead's first action.
	StartDelay time.Duration
}

func NewWebhookController(db *gorm.DB, svc *sequence.Service, sched *scheduler.Scheduler, logger *log.Logger, startDelay time.Duration) *WebhookController {
	return &WebhookController{
		DB:         db,
		Service:    svc,
		Scheduler:  sched,
		Logger:     logger,
		StartDelay: startDelay,
	}
}

// LeadIntake upserts the lead's contact record and starts a nurture
// sequence if none exists yet. Re-posting the same lead refreshes the
// contact details without touching an existing sequence.
func (wc *WebhookController) LeadIntake(c *fiber.Ctx) error {
	var input struct {
		LeadID    string `json:"lead_id" validate:"required"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Phone     string `json:"phone"`
		Email     string `json:"email"`
		Source    string `json:"source"`
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
	if input.Email != "" {
		if err := checkmail.ValidateFormat(input.Email); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid email address",
			})
		}
	}

	ctx := c.UserContext()
	lead := models.Lead{
		ExternalID: input.LeadID,
		FirstName:  input.FirstName,
		LastName:   input.LastName,
		Phone:      input.Phone,
		Email:      input.Email,
		Source:     input.Source,
	}
	var existing models.Lead
	err := wc.DB.WithContext(ctx).Where("external_id = ?", input.LeadID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := wc.DB.WithContext(ctx).Create(&lead).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to save lead",
			})
		}
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to look up lead",
		})
	default:
		existing.FirstName = lead.FirstName
		existing.LastName = lead.LastName
		existing.Phone = lead.Phone
		existing.Email = lead.Email
		existing.Source = lead.Source
		if err := wc.DB.WithContext(ctx).Save(&existing).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update lead",
			})
		}
	}

	state, err := wc.Service.GetState(ctx, input.LeadID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read sequence state",
		})
	}
	started := false
	if state == nil {
		if err := wc.Scheduler.ScheduleSequenceStart(ctx, input.LeadID, wc.StartDelay); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to start sequence",
			})
		}
		started = true
		wc.Logger.Printf("Started sequence for new lead %s", input.LeadID)
	}

	return c.JSON(fiber.Map{
		"message":          "Lead received",
		"sequence_started": started,
	})
}

// Engagement records an inbound response from a lead. The sequence does
// not advance; the engagement label and response counters update, which
// the decision layer reads on the next action.
func (wc *WebhookController) Engagement(c *fiber.Ctx) error {
	var input struct {
		LeadID string `json:"lead_id" validate:"required"`
		Type   string `json:"type" validate:"omitempty,oneof=sms_reply email_reply call_answered stall_breaker"`
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
	err := wc.Service.WithLeadLock(ctx, input.LeadID, func(ctx context.Context) error {
		return wc.Service.RecordEngagement(ctx, input.LeadID, input.Type)
	})
	if err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	now := time.Now().UTC()
	wc.DB.WithContext(ctx).Model(&models.Lead{}).
		Where("external_id = ?", input.LeadID).
		Update("last_contact_at", now)

	return c.JSON(fiber.Map{"message": "Engagement recorded"})
}
