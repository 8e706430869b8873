package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"dealflow/automation"
	"dealflow/logging"
)

const (
	defaultPort          = 8080
	defaultRelayInterval = "@every 5s"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		logging.WithModule("main").ErrorContext(ctx, "dealflow failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "dealflow",
		Usage:                 "Real-estate transaction workflow and conditions engine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres connection URL, or memory:// for an in-process store",
				Value:   memoryURL,
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "HMAC secret used to sign and verify access tokens",
				Sources: cli.EnvVars("JWT_SECRET"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the delayed-job store; empty keeps jobs in memory",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka broker addresses",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "mailer",
				Usage:   "Mail delivery (log, outbox)",
				Value:   "log",
				Sources: cli.EnvVars("MAILER"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.DurationFlag{
				Name:    "cache-ttl",
				Usage:   "How long workflow definitions and condition templates stay cached",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("CACHE_TTL"),
			},
			&cli.DurationFlag{
				Name:    "deadline-lead",
				Usage:   "How long before a condition's due date the warning email goes out",
				Value:   48 * time.Hour,
				Sources: cli.EnvVars("DEADLINE_LEAD"),
			},
			&cli.BoolFlag{
				Name:    "require-evidence",
				Usage:   "Require live evidence, or an escape reason, to complete a condition",
				Sources: cli.EnvVars("REQUIRE_EVIDENCE"),
			},
			&cli.StringFlag{
				Name:    "worker-interval",
				Usage:   "Cron spec for the delayed-job worker",
				Value:   automation.DefaultWorkerSpec,
				Sources: cli.EnvVars("WORKER_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "relay-interval",
				Usage:   "Cron spec for the outbox relay",
				Value:   defaultRelayInterval,
				Sources: cli.EnvVars("RELAY_INTERVAL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			logging.Setup(command.String("log-level"), command.String("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			workerCommand(),
			relayCommand(),
			importDefinitionCommand(),
			importTemplatesCommand(),
		},
	}
}
