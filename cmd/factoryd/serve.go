package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factoryd/internal/daemon"
	"github.com/fyrsmithlabs/factoryd/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run factoryd as a daemon",
	Long: `Run factoryd as a long-lived daemon. The daemon watches the workspace
directory for a request file and starts a pipeline run for each request it
finds; an HTTP server exposes /status, /runs, /healthz, and /metrics.

A request file is JSON:

  {"prompt": "Build a REST API for a todo list"}

Examples:
  factoryd serve
  factoryd serve -c factoryd.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	tel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}
	if tel != nil {
		defer tel.Shutdown(ctx)
	}

	registry, err := services.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	d, err := daemon.New(cfg.Daemon, registry, logger)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
