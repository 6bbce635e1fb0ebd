package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSnapshotWriter_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w, err := NewFileSnapshotWriter(path)
	require.NoError(t, err)

	score := 88
	snap := Snapshot{
		RunID:        "run-1",
		Status:       "approved",
		CurrentStage: "decision",
		Environment:  "DEV",
		QualityScore: &score,
		LoopCount:    2,
		TotalTokens:  1234,
	}
	require.NoError(t, w.Write(context.Background(), snap))

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "approved", got.Status)
	require.NotNil(t, got.QualityScore)
	assert.Equal(t, 88, *got.QualityScore)
	assert.Equal(t, 2, got.LoopCount)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestFileSnapshotWriter_ReplacesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w, err := NewFileSnapshotWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), Snapshot{RunID: "run-1", Status: "in_review"}))
	require.NoError(t, w.Write(context.Background(), Snapshot{RunID: "run-1", Status: "approved"}))

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Status)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileSnapshotWriter_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "status.json")
	w, err := NewFileSnapshotWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), Snapshot{RunID: "run-1", Status: "pending"}))

	_, err = ReadSnapshot(path)
	assert.NoError(t, err)
}

func TestFileSnapshotWriter_EmptyPath(t *testing.T) {
	_, err := NewFileSnapshotWriter("")
	assert.Error(t, err)
}

func TestFileSnapshotWriter_CanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w, err := NewFileSnapshotWriter(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, w.Write(ctx, Snapshot{RunID: "run-1"}))
}

func TestReadSnapshot_Missing(t *testing.T) {
	_, err := ReadSnapshot(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
