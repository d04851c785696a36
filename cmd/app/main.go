package main

import (
	"context"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/fieldsmith/internal"
	"github.com/starford/fieldsmith/internal/apperr"
	pkgconfig "github.com/starford/fieldsmith/pkg/config"
)

// loadConfig reads the base config, layers the task file over its task
// section and validates the result.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadInto(cmd.String("config"), cfg); err != nil {
		return nil, &apperr.ConfigurationError{Err: err}
	}

	taskFile := cmd.String("task")
	if taskFile == "" {
		taskFile = cfg.TaskFile
	}
	if taskFile != "" {
		if err := pkgconfig.Load(taskFile, &cfg.Task); err != nil {
			return nil, &apperr.ConfigurationError{Msg: "task file", Err: err}
		}
	}

	if cmd.Bool("dry-run") {
		cfg.Script.DryRun = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, &apperr.ConfigurationError{Err: err}
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, err = internal.Run(ctx, internal.WithConfig(cfg))
	return err
}

func status(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Status(ctx, internal.WithConfig(cfg))
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Serve(ctx, internal.WithConfig(cfg))
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, internal.WithConfig(cfg))
}

func main() {
	cmd := &cli.Command{
		Name:    "fieldsmith",
		Usage:   "Fill flashcard note fields from a local language model",
		Version: internal.Version,
		Action:  run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "task",
				Aliases: []string{"t"},
				Usage:   "Path to a task file overriding the task section of the config",
				Sources: cli.EnvVars("APP_TASK_FILE"),
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Render prompts and call the model but never write notes or progress",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Process every pending note of the task's deck (default)",
				Action: run,
			},
			{
				Name:   "status",
				Usage:  "Print the progress ledger summary",
				Action: status,
			},
			{
				Name:   "serve",
				Usage:  "Serve the read-only status API with a live ledger feed",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve ledger tools to MCP clients over stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(internal.ExitCode(err))
	}
}
