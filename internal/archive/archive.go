// Package archive persists completed pipeline runs to SQLite so operators
// can inspect history after the process exits. The database is embedded
// (modernc.org/sqlite, pure Go) and lives alongside the lesson store.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/pipeline"
	"github.com/fyrsmithlabs/factoryd/internal/report"
)

// ErrRunNotFound is returned when a run ID has no archived record.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is the list view of an archived run.
type RunSummary struct {
	RunID       string     `json:"run_id"`
	Task        string     `json:"task"`
	Environment string     `json:"environment"`
	Status      string     `json:"status"`
	FinalScore  *int       `json:"final_score,omitempty"`
	LoopCount   int        `json:"loop_count"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunRecord is the full archived run including every review round.
type RunRecord struct {
	RunSummary
	FailureReason string         `json:"failure_reason,omitempty"`
	Artifact      string         `json:"artifact,omitempty"`
	Usage         pipeline.Usage `json:"usage"`
	Rounds        []report.Round `json:"rounds,omitempty"`
}

// Archive wraps the runs database.
type Archive struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open creates or opens the archive database and applies migrations.
func Open(cfg config.ArchiveConfig, logger *logging.Logger) (*Archive, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	path, err := config.ExpandHome(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding archive path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	a := &Archive{db: db, logger: logger}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id                TEXT PRIMARY KEY,
			task              TEXT NOT NULL,
			environment       TEXT NOT NULL,
			status            TEXT NOT NULL,
			final_score       INTEGER,
			loop_count        INTEGER NOT NULL DEFAULT 0,
			failure_reason    TEXT NOT NULL DEFAULT '',
			artifact          TEXT NOT NULL DEFAULT '',
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			started_at        TEXT NOT NULL,
			completed_at      TEXT
		);

		CREATE TABLE IF NOT EXISTS rounds (
			run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			number       INTEGER NOT NULL,
			final_score  INTEGER NOT NULL,
			decision     TEXT NOT NULL,
			progression  TEXT NOT NULL,
			detail       TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			PRIMARY KEY (run_id, number)
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating archive schema: %w", err)
	}
	return nil
}

// SaveRun archives a terminal pipeline state with all its rounds. Saving is
// idempotent per run ID.
func (a *Archive) SaveRun(ctx context.Context, state *pipeline.State) error {
	if state == nil {
		return errors.New("state cannot be nil")
	}
	if !state.Status.Terminal() {
		return fmt.Errorf("refusing to archive non-terminal run %s (%s)", state.RunID, state.Status)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	var completedAt any
	if !state.CompletedAt.IsZero() {
		completedAt = state.CompletedAt.UTC().Format(time.RFC3339)
	}
	var finalScore any
	if state.FinalScore != nil {
		finalScore = *state.FinalScore
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, task, environment, status, final_score, loop_count, failure_reason,
			 artifact, prompt_tokens, completion_tokens, total_tokens, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.RunID, state.TaskDescription, string(state.Environment), string(state.Status),
		finalScore, state.LoopCount, state.FailureReason, state.Artifact,
		state.Usage.PromptTokens, state.Usage.CompletionTokens, state.Usage.TotalTokens,
		state.StartedAt.UTC().Format(time.RFC3339), completedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", state.RunID, err)
	}

	for _, round := range state.OpinionHistory {
		detail, err := json.Marshal(round)
		if err != nil {
			return fmt.Errorf("marshaling round %d: %w", round.Number, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO rounds
				(run_id, number, final_score, decision, progression, detail, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			state.RunID, round.Number, round.Arbitration.FinalScore,
			string(round.Decision), string(round.Progression),
			string(detail), round.CompletedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("inserting round %d: %w", round.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive transaction: %w", err)
	}

	a.logger.Info(ctx, "run archived",
		zap.String("run_id", state.RunID),
		zap.String("status", string(state.Status)),
		zap.Int("rounds", len(state.OpinionHistory)),
	)
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (a *Archive) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, task, environment, status, final_score, loop_count, started_at, completed_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, summary)
	}
	return runs, rows.Err()
}

// GetRun loads one archived run with its rounds.
func (a *Archive) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, task, environment, status, final_score, loop_count, failure_reason,
		       artifact, prompt_tokens, completion_tokens, total_tokens, started_at, completed_at
		FROM runs WHERE id = ?`, runID)

	var rec RunRecord
	var finalScore sql.NullInt64
	var startedAt string
	var completedAt sql.NullString
	err := row.Scan(&rec.RunID, &rec.Task, &rec.Environment, &rec.Status, &finalScore,
		&rec.LoopCount, &rec.FailureReason, &rec.Artifact,
		&rec.Usage.PromptTokens, &rec.Usage.CompletionTokens, &rec.Usage.TotalTokens,
		&startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	applyTimes(&rec.RunSummary, finalScore, startedAt, completedAt)

	rows, err := a.db.QueryContext(ctx, `
		SELECT detail FROM rounds WHERE run_id = ? ORDER BY number`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading rounds for %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var detail []byte
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("scanning round: %w", err)
		}
		var round report.Round
		if err := json.Unmarshal(detail, &round); err != nil {
			return nil, fmt.Errorf("parsing round detail: %w", err)
		}
		rec.Rounds = append(rec.Rounds, round)
	}
	return &rec, rows.Err()
}

func scanSummary(rows *sql.Rows) (RunSummary, error) {
	var summary RunSummary
	var finalScore sql.NullInt64
	var startedAt string
	var completedAt sql.NullString
	err := rows.Scan(&summary.RunID, &summary.Task, &summary.Environment, &summary.Status,
		&finalScore, &summary.LoopCount, &startedAt, &completedAt)
	if err != nil {
		return summary, fmt.Errorf("scanning run: %w", err)
	}
	applyTimes(&summary, finalScore, startedAt, completedAt)
	return summary, nil
}

func applyTimes(summary *RunSummary, finalScore sql.NullInt64, startedAt string, completedAt sql.NullString) {
	if finalScore.Valid {
		score := int(finalScore.Int64)
		summary.FinalScore = &score
	}
	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		summary.StartedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			summary.CompletedAt = &t
		}
	}
}
