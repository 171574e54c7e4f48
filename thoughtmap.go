package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/thoughtmap/cmd"
	"github.com/thoughtmap/internal/config"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "thoughtmap",
		Usage:   "Explore a topic as a mind map of questions answered by an LLM",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   config.DefaultPath,
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading the configuration",
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("env-file"); path != "" {
				return cmd.LoadEnvFile(path)
			}
			return nil
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.AskCommand(),
			cmd.MapsCommand(),
			cmd.MigrateCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
