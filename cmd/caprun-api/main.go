package main

import (
	"context"
	"os"

	"github.com/caprun-io/caprun/pkg/cmd"
	"github.com/caprun-io/caprun/pkg/gateway"
	"github.com/caprun-io/caprun/pkg/log"
	"github.com/caprun-io/caprun/pkg/protocol"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9090

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "caprun-api",
		Usage:                 "Create and track resumable execution runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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

			logger.InfoContext(ctx, "Initializing Caprun API")

			var jobs protocol.BackingJobClient
			if gatewayURL := command.String("gateway-url"); gatewayURL != "" {
				jobs = gateway.NewClient(gatewayURL, logger)
			}

			registry := cmd.NewRegistry(logger, jobs)

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

			api := NewAPI(logger, persistence, registry, eventBus, runQueue, jobs)

			err := api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "API server stopped", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
