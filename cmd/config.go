package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/thoughtmap/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   config.DefaultPath,
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file",
				Action: runConfigValidate,
			},
			{
				Name:   "check",
				Usage:  "Show which credentials and storage settings are in effect",
				Action: runConfigCheck,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	storage := "memory"
	if cfg.Database.URL != "" {
		storage = "postgres"
	}
	fmt.Printf("Configuration is valid (storage: %s, model: %s, queue enabled: %t)\n",
		storage, cfg.LLM.DefaultModel, cfg.Queue.Enabled)
	return nil
}

func runConfigCheck(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	result := CheckRequiredConfig(cfg)
	PrintConfigCheck(result)
	if len(result.Missing) > 0 {
		return cli.Exit("configuration is incomplete", 1)
	}
	return nil
}
