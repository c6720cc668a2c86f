package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"

	"leadflow/config"
	"leadflow/middleware"
	"leadflow/models"
	"leadflow/routes"
	"leadflow/scheduler"
	"leadflow/sequence"
	"leadflow/store"
	"leadflow/utils"
	"leadflow/worker"
)

func main() {
	logger := log.New(os.Stdout, "LEADFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := config.ConnectRedis(); err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	if err := config.InitSentry(); err != nil {
		logger.Fatalf("Failed to initialize sentry: %v", err)
	}

	appLogger := config.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core components: store, service, executor, scheduler. Constructed
	// once here and passed down; no global service singletons.
	stateStore := store.NewRedisStore(config.RDB, config.AppConfig.SequenceTTL())
	service := sequence.NewService(stateStore, config.Locker, appLogger)

	decision := utils.NewDecisionClient(config.AppConfig.DecisionAPIURL, config.AppConfig.DecisionAPIKey)
	emailGateway, err := utils.NewEmailGateway(&config.AppConfig)
	if err != nil {
		logger.Fatalf("Failed to initialize email gateway: %v", err)
	}
	deliverers := map[models.ActionType]scheduler.Deliverer{
		models.ActionSMS:       utils.NewSMSGateway(config.AppConfig.SMSGatewayURL, config.AppConfig.SMSGatewayToken),
		models.ActionVoiceCall: utils.NewVoiceGateway(config.AppConfig.VoiceGatewayURL, config.AppConfig.VoiceGatewayToken),
		models.ActionEmail:     emailGateway,
	}
	executor := scheduler.NewActionExecutor(
		decision,
		decision,
		deliverers,
		store.NewGormLeadDirectory(config.DB),
		appLogger,
		config.AppConfig.QualifyThreshold,
	)

	leadScheduler := scheduler.NewScheduler(
		stateStore,
		service,
		executor,
		store.NewGormEventRecorder(config.DB),
		appLogger,
		scheduler.Config{
			MaxRetries:       config.AppConfig.MaxRetries,
			RetryBackoffBase: config.AppConfig.RetryBackoffBase(),
		},
	)
	lifecycle := scheduler.NewLifecycleManager(leadScheduler, appLogger)
	if err := lifecycle.Start(ctx); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	// Reconciliation sweeps
	sweeper := worker.NewSweepWorker(service, leadScheduler,
		log.New(os.Stdout, "SWEEP: ", log.LstdFlags), config.AppConfig.SequenceTTLDays)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatalf("Failed to start sweep worker: %v", err)
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		DB:         config.DB,
		Service:    service,
		Scheduler:  leadScheduler,
		Lifecycle:  lifecycle,
		StartDelay: config.AppConfig.StartDelay(),
	})

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "running",
			"scheduler": lifecycle.IsHealthy(),
			"version":   "1.0.0",
		})
	})

	// Stop the scheduler cleanly on SIGINT/SIGTERM; persisted jobs are
	// restored on the next boot.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Println("Shutting down...")
		lifecycle.Stop()
		cancel()
		_ = app.Shutdown()
	}()

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
