package main

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/factoryd/internal/archive"
	"github.com/fyrsmithlabs/factoryd/internal/memory"
)

// clip shortens a task line for table output without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List or inspect archived runs",
	Long: `List archived pipeline runs, or show one run in full including every
review round.

Examples:
  # List recent runs
  factoryd runs

  # Show one run with its review rounds
  factoryd runs 4f2c1a9e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !cfg.Archive.Enabled {
		return errors.New("run archive is disabled in configuration")
	}
	runs, err := archive.Open(cfg.Archive, logger)
	if err != nil {
		return err
	}
	defer runs.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		rec, err := runs.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Run:         %s\n", rec.RunID)
		fmt.Fprintf(out, "Task:        %s\n", rec.Task)
		fmt.Fprintf(out, "Environment: %s\n", rec.Environment)
		fmt.Fprintf(out, "Status:      %s\n", rec.Status)
		if rec.FinalScore != nil {
			fmt.Fprintf(out, "Score:       %d/100\n", *rec.FinalScore)
		}
		fmt.Fprintf(out, "Loops:       %d\n", rec.LoopCount)
		fmt.Fprintf(out, "Tokens:      %d\n", rec.Usage.TotalTokens)
		if rec.FailureReason != "" {
			fmt.Fprintf(out, "Reason:      %s\n", rec.FailureReason)
		}
		for _, round := range rec.Rounds {
			fmt.Fprintln(out)
			fmt.Fprint(out, round.Render())
		}
		return nil
	}

	summaries, err := runs.ListRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No archived runs.")
		return nil
	}
	fmt.Fprintf(out, "%-38s %-10s %-5s %-6s %-6s %s\n", "RUN", "STATUS", "ENV", "SCORE", "LOOPS", "TASK")
	for _, s := range summaries {
		score := "-"
		if s.FinalScore != nil {
			score = fmt.Sprintf("%d", *s.FinalScore)
		}
		task := clip(s.Task, 50)
		fmt.Fprintf(out, "%-38s %-10s %-5s %-6s %-6d %s\n",
			s.RunID, s.Status, s.Environment, score, s.LoopCount, task)
	}
	return nil
}

var lessonsTopK int

var lessonsCmd = &cobra.Command{
	Use:   "lessons <query>",
	Short: "Search the lesson memory",
	Long: `Search lessons stored from approved runs by similarity to a query.

Examples:
  factoryd lessons "csv parsing"
  factoryd lessons --top-k 10 "rate limiter"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLessons,
}

func init() {
	lessonsCmd.Flags().IntVar(&lessonsTopK, "top-k", 5, "maximum lessons to return")
}

func runLessons(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !cfg.Memory.Enabled {
		return errors.New("lesson memory is disabled in configuration")
	}
	store, err := memory.NewStore(cfg.Memory, logger)
	if err != nil {
		return err
	}

	query := strings.Join(args, " ")
	lessons, err := store.Query(cmd.Context(), query, lessonsTopK)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(lessons) == 0 {
		fmt.Fprintln(out, "No lessons stored yet.")
		return nil
	}
	for _, l := range lessons {
		fmt.Fprintf(out, "run %s  score %d  similarity %.2f\n", l.RunID, l.Score, l.Similarity)
		fmt.Fprintf(out, "  %s\n\n", l.Text)
	}
	return nil
}
