package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the dashboard-facing view of a pipeline, written after every
// stage. Fields mirror what an external status page needs; nothing here is
// consumed by the pipeline itself.
type Snapshot struct {
	RunID            string    `json:"run_id"`
	Status           string    `json:"status"`
	CurrentStage     string    `json:"current_stage"`
	Environment      string    `json:"environment,omitempty"`
	QualityScore     *int      `json:"quality_score,omitempty"`
	LoopCount        int       `json:"loop_count"`
	SpecExcerpt      string    `json:"spec_excerpt,omitempty"`
	TaskExcerpt      string    `json:"task_excerpt,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SnapshotWriter persists snapshots for external consumers.
type SnapshotWriter interface {
	Write(ctx context.Context, snap Snapshot) error
}

// FileSnapshotWriter writes snapshots to a JSON file atomically
// (temp file + rename), so dashboard readers never observe a torn write.
type FileSnapshotWriter struct {
	path string
}

// NewFileSnapshotWriter creates a writer targeting the given path.
func NewFileSnapshotWriter(path string) (*FileSnapshotWriter, error) {
	if path == "" {
		return nil, errors.New("snapshot path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &FileSnapshotWriter{path: path}, nil
}

// Write persists the snapshot.
func (w *FileSnapshotWriter) Write(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".status-*.json")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a snapshot from disk. Returns os.ErrNotExist if no
// snapshot has been written yet.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parsing snapshot %s: %w", path, err)
	}
	return snap, nil
}

// NopSnapshotWriter discards snapshots. Used when no status file is wanted.
type NopSnapshotWriter struct{}

// Write implements SnapshotWriter.
func (NopSnapshotWriter) Write(context.Context, Snapshot) error { return nil }
