package routes

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	controller "leadflow/controllers"
	"leadflow/middleware"
	"leadflow/scheduler"
	"leadflow/sequence"
)

// Deps carries the constructed core components into the HTTP surface.
// Everything is injected explicitly; there are no package-level service
// singletons.
type Deps struct {
	DB         *gorm.DB
	Service    *sequence.Service
	Scheduler  *scheduler.Scheduler
	Lifecycle  *scheduler.LifecycleManager
	StartDelay time.Duration
}

func SetupRoutes(app *fiber.App, deps Deps) {
	seqLogger := log.New(os.Stdout, "SEQUENCE: ", log.Ldate|log.Ltime|log.Lshortfile)
	schedLogger := log.New(os.Stdout, "SCHEDULER: ", log.Ldate|log.Ltime|log.Lshortfile)
	hookLogger := log.New(os.Stdout, "WEBHOOK: ", log.Ldate|log.Ltime|log.Lshortfile)

	seqController := controller.NewSequenceController(deps.DB, deps.Service, deps.Scheduler, seqLogger)
	schedController := controller.NewSchedulerController(deps.Scheduler, deps.Lifecycle, schedLogger)
	hookController := controller.NewWebhookController(deps.DB, deps.Service, deps.Scheduler, hookLogger, deps.StartDelay)

	// Inbound CRM webhooks
	hooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	hooks.Post("/lead", hookController.LeadIntake)
	hooks.Post("/engagement", hookController.Engagement)

	// Admin surface (operator tokens required)
	sequences := app.Group("/sequences", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}), middleware.Protected())
	sequences.Post("/", seqController.CreateSequence)
	sequences.Get("/:leadID", seqController.GetSequence)
	sequences.Post("/:leadID/pause", seqController.PauseSequence)
	sequences.Post("/:leadID/resume", seqController.ResumeSequence)
	sequences.Post("/:leadID/cancel", seqController.CancelSequence)
	sequences.Post("/:leadID/advance", seqController.AdvanceSequence)
	sequences.Post("/:leadID/trigger", seqController.TriggerAction)

	admin := app.Group("/scheduler", middleware.Protected())
	admin.Get("/status", schedController.GetStatus)
	admin.Get("/health", schedController.GetHealth)
	admin.Post("/restart", schedController.Restart)

	events := app.Group("/events", middleware.Protected())
	events.Get("/", seqController.ListEvents)
}
