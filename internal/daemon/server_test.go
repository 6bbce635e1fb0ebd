package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/factoryd/internal/archive"
	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/feedback"
	"github.com/fyrsmithlabs/factoryd/internal/llm"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/memory"
	"github.com/fyrsmithlabs/factoryd/internal/pipeline"
	"github.com/fyrsmithlabs/factoryd/internal/report"
	"github.com/fyrsmithlabs/factoryd/internal/workspace"
)

// stubRegistry satisfies services.Registry with only the pieces a test needs.
type stubRegistry struct {
	workspace    *workspace.Workspace
	archive      *archive.Archive
	snapshotPath string
}

func (r *stubRegistry) Orchestrator() *pipeline.Orchestrator { return nil }
func (r *stubRegistry) LLM() *llm.Registry                   { return nil }
func (r *stubRegistry) Memory() *memory.Store                { return nil }
func (r *stubRegistry) Archive() *archive.Archive            { return r.archive }
func (r *stubRegistry) Workspace() *workspace.Workspace      { return r.workspace }
func (r *stubRegistry) Snapshots() report.SnapshotWriter     { return nil }
func (r *stubRegistry) SnapshotPath() string                 { return r.snapshotPath }
func (r *stubRegistry) Close() error                         { return nil }

func newStubRegistry(t *testing.T, withArchive bool) *stubRegistry {
	t.Helper()
	dir := t.TempDir()

	ws, err := workspace.New(config.WorkspaceConfig{Dir: dir, FilePattern: "app_%s.py"}, logging.NewNop())
	require.NoError(t, err)

	reg := &stubRegistry{
		workspace:    ws,
		snapshotPath: filepath.Join(dir, "status.json"),
	}
	if withArchive {
		runs, err := archive.Open(config.ArchiveConfig{Enabled: true, Path: filepath.Join(dir, "runs.db")}, logging.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { runs.Close() })
		reg.archive = runs
	}
	return reg
}

func terminalState(runID string) *pipeline.State {
	score := 90
	now := time.Now().UTC().Truncate(time.Second)
	return &pipeline.State{
		RunID:           runID,
		TaskDescription: "build a todo app",
		Environment:     feedback.EnvDev,
		Status:          pipeline.StatusApproved,
		FinalScore:      &score,
		StartedAt:       now,
		CompletedAt:     now.Add(time.Minute),
	}
}

func doRequest(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, err := NewServer(config.DaemonConfig{}, newStubRegistry(t, false), logging.NewNop())
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestServer_Status(t *testing.T) {
	reg := newStubRegistry(t, false)
	s, err := NewServer(config.DaemonConfig{}, reg, logging.NewNop())
	require.NoError(t, err)

	// No snapshot yet.
	rec := doRequest(t, s, http.MethodGet, "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	w, err := report.NewFileSnapshotWriter(reg.snapshotPath)
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), report.Snapshot{
		RunID:        "run-1",
		Status:       "in_review",
		CurrentStage: "review",
	}))

	rec = doRequest(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap report.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, "in_review", snap.Status)
}

func TestServer_Runs(t *testing.T) {
	reg := newStubRegistry(t, true)
	s, err := NewServer(config.DaemonConfig{}, reg, logging.NewNop())
	require.NoError(t, err)

	// Empty archive serves an empty list, not null.
	rec := doRequest(t, s, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	require.NoError(t, reg.archive.SaveRun(context.Background(), terminalState("run-1")))

	rec = doRequest(t, s, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []archive.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
}

func TestServer_Run(t *testing.T) {
	reg := newStubRegistry(t, true)
	s, err := NewServer(config.DaemonConfig{}, reg, logging.NewNop())
	require.NoError(t, err)

	require.NoError(t, reg.archive.SaveRun(context.Background(), terminalState("run-1")))

	rec := doRequest(t, s, http.MethodGet, "/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var run archive.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "approved", run.Status)

	rec = doRequest(t, s, http.MethodGet, "/runs/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ArchiveDisabled(t *testing.T) {
	s, err := NewServer(config.DaemonConfig{}, newStubRegistry(t, false), logging.NewNop())
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/runs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/runs/run-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	s, err := NewServer(config.DaemonConfig{}, newStubRegistry(t, false), logging.NewNop())
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewServer_Requirements(t *testing.T) {
	_, err := NewServer(config.DaemonConfig{}, nil, logging.NewNop())
	assert.Error(t, err)
	_, err = NewServer(config.DaemonConfig{}, newStubRegistry(t, false), nil)
	assert.Error(t, err)
}
