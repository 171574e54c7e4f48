package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/thoughtmap/internal/api"
	"github.com/thoughtmap/internal/jobqueue"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the thoughtmap API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "Apply database migrations before serving",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	ctx := c.Context
	if c.Bool("migrate") {
		if err := migrate(ctx, cfg.Database.URL); err != nil {
			return err
		}
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var queue api.SuggestionQueue
	if cfg.Queue.Enabled {
		jq, err := jobqueue.NewJobQueue(ctx, cfg.Database.URL, rt.manager, jobqueue.QueueConfigFrom(cfg.Queue))
		if err != nil {
			return fmt.Errorf("failed to create job queue: %w", err)
		}
		if err := jq.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer func() {
			if err := jq.Stop(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Job queue did not stop cleanly")
			}
		}()
		queue = jq
		log.Info().Int("workers", cfg.Queue.MaxWorkers).Msg("Background suggestion queue started")
	}

	fmt.Printf("Starting thoughtmap API server on %s...\n", cfg.Server.Addr())
	server := api.NewServer(cfg.Server, rt.manager, queue)
	return server.Start(ctx)
}
