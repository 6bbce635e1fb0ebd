// Factoryd is an automated content factory: it takes a task description,
// generates a specification and an implementation, submits the result to a
// council of LLM reviewers, and loops on their feedback until the quality
// threshold is met or the retry budget runs out.
//
// Usage:
//
//	# Run one task to completion
//	factoryd run "Build a REST API for a todo list"
//
//	# Run as a daemon watching for request files
//	factoryd serve
//
//	# Inspect history
//	factoryd runs
//	factoryd lessons "todo list api"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "factoryd",
	Short: "Automated multi-agent content factory",
	Long: `factoryd generates, reviews, and refines content through a pipeline of
LLM agents: a specification writer, an implementer, and a council of
independent reviewers whose opinions are arbitrated into a single quality
score. Rejected work loops back to the implementer with concrete feedback,
bounded by a retry budget.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(lessonsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("factoryd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

// setup loads configuration and builds the logger shared by all commands.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	logCfg.Caller.Enabled = cfg.Logging.Caller

	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, logger, nil
}

// setupTelemetry initializes tracing and metrics export. Telemetry failures
// degrade rather than abort.
func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.Enabled
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	if cfg.Observability.Endpoint != "" {
		telCfg.Endpoint = cfg.Observability.Endpoint
	}
	if cfg.Observability.Protocol != "" {
		telCfg.Protocol = cfg.Observability.Protocol
	}
	telCfg.Insecure = cfg.Observability.Insecure
	return telemetry.New(ctx, telCfg)
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
