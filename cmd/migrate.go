package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/thoughtmap/internal/jobqueue"
	"github.com/thoughtmap/internal/store"
)

// MigrateCommand returns the command that applies the database schema
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the map schema and the job queue schema to the configured database",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := migrate(c.Context, cfg.Database.URL); err != nil {
				return err
			}
			fmt.Println("Database is up to date")
			return nil
		},
	}
}

func migrate(ctx context.Context, databaseURL string) error {
	if databaseURL == "" {
		return errors.New("database url is not configured")
	}

	db, err := store.Open(ctx, databaseURL, 1)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.NewPostgresStore(db).Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate map schema: %w", err)
	}
	log.Info().Msg("Map schema is up to date")

	if err := jobqueue.Migrate(ctx, databaseURL); err != nil {
		return err
	}
	return nil
}
