package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factoryd/internal/pipeline"
	"github.com/fyrsmithlabs/factoryd/internal/services"
)

var runCmd = &cobra.Command{
	Use:   "run <task description>",
	Short: "Run one factory pipeline to completion",
	Long: `Run the full pipeline for a single task: specification, implementation,
council review, arbitration, and the bounded feedback loop. Prints the final
status and writes the artifact into the workspace directory.

Examples:
  # Run a task
  factoryd run "Build a CLI tool that converts CSV to JSON"

  # With a config file
  factoryd run -c factoryd.yaml "Build a production-grade rate limiter"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runEnv      string
	runMaxLoops int
)

func init() {
	runCmd.Flags().StringVar(&runEnv, "env", "", "target environment: dev, prod, or auto (overrides config)")
	runCmd.Flags().IntVar(&runMaxLoops, "max-loops", 0, "feedback loop bound (overrides config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if runEnv != "" {
		cfg.Factory.Environment = runEnv
	}
	if runMaxLoops > 0 {
		cfg.Factory.MaxFeedbackLoops = runMaxLoops
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
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

	task := strings.Join(args, " ")
	state, err := registry.Orchestrator().Run(ctx, task)
	if err != nil {
		return err
	}

	if runs := registry.Archive(); runs != nil {
		if err := runs.SaveRun(ctx, state); err != nil {
			logger.Warn(ctx, "archiving run failed", zap.Error(err))
		}
	}

	printOutcome(cmd, state, registry)
	if state.Status == pipeline.StatusFailed {
		return fmt.Errorf("pipeline failed: %s", state.FailureReason)
	}
	return nil
}

func printOutcome(cmd *cobra.Command, state *pipeline.State, registry services.Registry) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:         %s\n", state.RunID)
	fmt.Fprintf(out, "Status:      %s\n", state.Status)
	fmt.Fprintf(out, "Environment: %s\n", state.Environment)
	if state.FinalScore != nil {
		fmt.Fprintf(out, "Score:       %d/100\n", *state.FinalScore)
	}
	fmt.Fprintf(out, "Loops:       %d\n", state.LoopCount)
	fmt.Fprintf(out, "Tokens:      %d\n", state.Usage.TotalTokens)
	if state.FailureReason != "" {
		fmt.Fprintf(out, "Reason:      %s\n", state.FailureReason)
	}
	if state.Status == pipeline.StatusApproved {
		fmt.Fprintf(out, "Artifact:    %s\n", registry.Workspace().ArtifactPath(string(state.Environment)))
	}
}
