// Package main provides the Caprun API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/caprun-io/caprun/pkg/eventbus"
	"github.com/caprun-io/caprun/pkg/persistence"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/caprun-io/caprun/pkg/queue"
	"github.com/caprun-io/caprun/pkg/registry"
	"github.com/caprun-io/caprun/pkg/services"
	"github.com/caprun-io/caprun/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	runQueue    queue.RunQueue
	jobs        protocol.BackingJobClient
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
	runQueue queue.RunQueue,
	jobs protocol.BackingJobClient,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		runQueue:    runQueue,
		jobs:        jobs,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	graphValidator := registry.NewValidator(a.registry)
	orchestrator := services.NewOrchestrator(a.persistence, a.runQueue, a.eventBus, graphValidator, a.logger)
	definitions := services.NewDefinitions(a.persistence, graphValidator, a.logger)
	reconciler := services.NewReconciler(a.persistence, a.jobs, a.runQueue, a.logger)

	handlers := web.NewAPIHandlers(orchestrator, definitions, reconciler, a.persistence, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Caprun API")
	})

	r := app.Group("/runs")
	r.Post("/", handlers.CreateRun)
	r.Get("/", handlers.ListRuns)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/resume-from/:nodeId", handlers.ResumeFromNode)
	e.Post("/:id/cancel", handlers.CancelExecution)
	e.Get("/:id/stream", handlers.StreamExecution)
	e.Get("/:id/nodes/:nodeId/logs", handlers.GetNodeLogs)

	d := app.Group("/definitions")
	d.Post("/", handlers.CreateDefinition)
	d.Get("/", handlers.ListDefinitions)
	d.Get("/:id", handlers.GetDefinition)
	d.Patch("/:id", handlers.UpdateDefinition)
	d.Delete("/:id", handlers.DeleteDefinition)

	app.Get("/capsule-types", handlers.GetCapsuleTypes)
	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
