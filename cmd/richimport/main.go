package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"richimport/internal/config"
)

type envKey struct{}

// env is shared by all commands once flags are parsed.
type env struct {
	cfg config.Config
	log *zap.Logger
}

func envFromContext(ctx context.Context) *env {
	return ctx.Value(envKey{}).(*env)
}

func initializeEnv(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	e := envFromContext(ctx)
	e.cfg = config.Load()
	if cmd.Bool("debug") {
		e.cfg.Logging.Level = "debug"
	}
	if format := cmd.String("log-format"); format != "" {
		e.cfg.Logging.Format = format
	}

	var err error
	if e.log, err = e.cfg.Logging.Prepare("richimport"); err != nil {
		return ctx, fmt.Errorf("unable to prepare logs: %w", err)
	}
	e.log.Debug("program started", zap.Strings("args", os.Args))
	return ctx, nil
}

func destroyEnv(ctx context.Context, _ *cli.Command) error {
	if e := envFromContext(ctx); e.log != nil {
		_ = e.log.Sync()
	}
	return nil
}

func exitErrHandler(ctx context.Context, _ *cli.Command, err error) {
	if e := envFromContext(ctx); e.log != nil {
		e.log.Error("program ended with error", zap.Error(err))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.WithValue(context.Background(), envKey{}, &env{}), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:            "richimport",
		Usage:           "imports spreadsheet rows with HTML fields as structured rich-text entries",
		HideHelpCommand: true,
		Before:          initializeEnv,
		After:           destroyEnv,
		ExitErrHandler:  exitErrHandler,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "log at debug level"},
			&cli.StringFlag{Name: "log-format", Usage: "log `FORMAT` (console or json)"},
		},
		Commands: []*cli.Command{
			{
				Name:   "import",
				Usage:  "Imports a CSV file into a content schema",
				Action: runImport,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "schema", Aliases: []string{"s"}, Required: true, Usage: "target schema `ID`"},
					&cli.StringFlag{Name: "csv", Required: true, Usage: "input `FILE`"},
					&cli.StringFlag{Name: "mappings", Aliases: []string{"m"}, Usage: "field mappings `FILE` (YAML), overrides RICHIMPORT_MAPPINGS_FILE"},
					&cli.BoolFlag{Name: "continue-on-error", Usage: "import remaining rows after a row fails"},
					&cli.BoolFlag{Name: "dry-run", Usage: "convert rows and print them without writing anything"},
				},
			},
			{
				Name:   "preview",
				Usage:  "Converts an HTML fragment and prints the resulting document",
				Action: runPreview,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "html", Required: true, Usage: "HTML `FILE`, - for STDIN"},
					&cli.StringFlag{Name: "format", Value: "json", Usage: "output `FORMAT` (json or html)"},
				},
			},
			{
				Name:   "serve",
				Usage:  "Runs the HTTP API",
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "Applies database migrations",
				Action: runMigrate,
			},
			{
				Name:   "hash-key",
				Usage:  "Prints a bcrypt hash of an API key, generating the key when none is given",
				Action: runHashKey,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "API `KEY` to hash"},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		if envFromContext(ctx).log == nil {
			fmt.Fprintf(os.Stderr, "richimport: %v\n", err)
		}
		os.Exit(1)
	}
}
