package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"dealflow/condition"
	"dealflow/eventbus"
	"dealflow/logging"
	"dealflow/tracing"
	"dealflow/workflow"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API together with the job worker and outbox relay",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := logging.WithModule("serve")
			if command.String("jwt-secret") == "" {
				return errors.New("jwt-secret is required")
			}

			if command.Bool("otel-enabled") {
				shutdown, err := tracing.Setup(ctx, "dealflow")
				if err != nil {
					return fmt.Errorf("setup tracing: %w", err)
				}
				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.Error("tracing shutdown failed", "error", err)
					}
				}()
			}

			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.Close()

			bus, err := openBus(command)
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := eventbus.LogTopics(ctx, bus.Subscriber, busTopics()); err != nil {
				return err
			}

			app := rt.server().App()
			port := command.Int("port")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("listening", "port", port)
				return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return app.ShutdownWithContext(sctx)
			})
			g.Go(func() error {
				return rt.worker().Start(gctx, command.String("worker-interval"))
			})
			g.Go(func() error {
				return rt.relay(bus).Schedule(gctx, command.String("relay-interval"))
			})

			err = g.Wait()
			logger.Info("stopped")
			return err
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(ctx context.Context, command *cli.Command) error {
			b, err := openBackend(ctx, command.String("database-url"))
			if err != nil {
				return err
			}
			defer b.close()
			if b.inMemory() {
				return errors.New("migrate needs a postgres database-url")
			}
			return b.migrate(ctx)
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run only the delayed-job worker",
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.Close()
			logging.WithModule("worker").Info("worker started", "spec", command.String("worker-interval"))
			return rt.worker().Start(ctx, command.String("worker-interval"))
		},
	}
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Run only the outbox relay",
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.Close()

			bus, err := openBus(command)
			if err != nil {
				return err
			}
			defer bus.Close()

			logging.WithModule("relay").Info("relay started", "spec", command.String("relay-interval"))
			return rt.relay(bus).Schedule(ctx, command.String("relay-interval"))
		},
	}
}

func importDefinitionCommand() *cli.Command {
	return &cli.Command{
		Name:      "import-definition",
		Usage:     "Validate and store a workflow definition from a YAML or JSON file",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return errors.New("import-definition: file argument is required")
			}
			def, err := workflow.LoadFile(path)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.Close()

			saved, err := rt.provider.Import(ctx, def)
			if err != nil {
				return err
			}
			logging.WithModule("import").Info("definition imported", "id", saved.ID, "name", saved.Name, "steps", len(saved.Steps))
			return nil
		},
	}
}

func importTemplatesCommand() *cli.Command {
	return &cli.Command{
		Name:      "import-templates",
		Usage:     "Store condition templates from a YAML or JSON file",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return errors.New("import-templates: file argument is required")
			}
			templates, err := condition.LoadTemplatesFile(path)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.Close()

			saved, err := rt.catalog.Import(ctx, templates)
			if err != nil {
				return err
			}
			logging.WithModule("import").Info("templates imported", "count", len(saved))
			return nil
		},
	}
}
