package main

import (
	"context"
	"os"

	"github.com/caprun-io/caprun/pkg/cmd"
	"github.com/caprun-io/caprun/pkg/gateway"
	"github.com/caprun-io/caprun/pkg/log"
	"github.com/caprun-io/caprun/pkg/otelhelper"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/caprun-io/caprun/pkg/registry"
	"github.com/caprun-io/caprun/pkg/services"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "caprun-worker",
		EnableShellCompletion: true,
		Usage:                 "Consume the run queue and execute node snapshots",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "queue-url",
				Usage:   "Run queue URL (redis://..., kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("QUEUE_URL"),
			},
			&cli.StringFlag{
				Name:    "gateway-url",
				Usage:   "Base URL of the backing job gateway",
				Sources: cli.EnvVars("GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("caprun-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Caprun Worker")

			var jobs protocol.BackingJobClient
			if gatewayURL := command.String("gateway-url"); gatewayURL != "" {
				jobs = gateway.NewClient(gatewayURL, logger)
			}

			reg := cmd.NewRegistry(logger, jobs)

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			runQueue := cmd.NewQueue(ctx, command.String("queue-url"), logger)
			defer func() {
				if err := runQueue.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close run queue", "error", err)
				}
			}()

			tracer, err := otelhelper.NewTracer(ctx, "caprun-worker")
			if err != nil {
				logger.WarnContext(ctx, "Tracing disabled", "error", err)
			}

			graphValidator := registry.NewValidator(reg)
			orchestrator := services.NewOrchestrator(persistence, runQueue, eventBus, graphValidator, logger)

			runner := NewRunner(workerID, orchestrator, persistence, reg, tracer, logger)

			logger.InfoContext(ctx, "Worker consuming run queue")

			err = runQueue.Consume(ctx, runner.HandleRun)
			if err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "Run queue consumer stopped", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
