package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"leadflow/scheduler"
)

type SchedulerController struct {
	Scheduler *scheduler.Scheduler
	Lifecycle *scheduler.LifecycleManager
	Logger    *log.Logger
}

func NewSchedulerController(sched *scheduler.Scheduler, lifecycle *scheduler.LifecycleManager, logger *log.Logger) *SchedulerController {
	return &SchedulerController{
		Scheduler: sched,
		Lifecycle: lifecycle,
		Logger:    logger,
	}
}

// GetStatus reports pending job counts grouped by lead.
func (sc *SchedulerController) GetStatus(c *fiber.Ctx) error {
	status, err := sc.Scheduler.GetStatus(c.UserContext())
	if err != nil {
		// Fail open for observability reads: report what we can instead
		// of blocking the dashboard on a store hiccup.
		sc.Logger.Printf("Failed to read scheduler status: %v", err)
		return c.JSON(scheduler.Status{Running: sc.Scheduler.IsRunning()})
	}
	return c.JSON(status)
}

// GetHealth reports the lifecycle health snapshot.
func (sc *SchedulerController) GetHealth(c *fiber.Ctx) error {
	health := sc.Lifecycle.GetHealthStatus()
	code := fiber.StatusOK
	if !health.Healthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(health)
}

// Restart stops and restarts the scheduler, re-restoring persisted jobs.
func (sc *SchedulerController) Restart(c *fiber.Ctx) error {
	if err := sc.Lifecycle.RestartScheduler(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to restart scheduler",
		})
	}
	sc.Logger.Printf("Scheduler restarted by operator %v", c.Locals("operator"))
	return c.JSON(fiber.Map{"message": "Scheduler restarted"})
}
