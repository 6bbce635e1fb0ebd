package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(config.DaemonConfig{
		Addr:        "127.0.0.1:0",
		RequestFile: "request.json",
	}, newStubRegistry(t, false), logging.NewNop())
	require.NoError(t, err)
	return d
}

func writeRequest(t *testing.T, path string, body any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestNew_Requirements(t *testing.T) {
	_, err := New(config.DaemonConfig{}, nil, logging.NewNop())
	assert.Error(t, err)
	_, err = New(config.DaemonConfig{}, newStubRegistry(t, false), nil)
	assert.Error(t, err)
}

func TestRequestPath(t *testing.T) {
	d := testDaemon(t)
	assert.Equal(t, "request.json", filepath.Base(d.RequestPath()))
	assert.Equal(t, filepath.Dir(d.RequestPath()), d.registry.Workspace().Dir())
}

func TestLoadRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		d := testDaemon(t)
		_, ok := d.loadRequest(ctx)
		assert.False(t, ok)
	})

	t.Run("invalid json", func(t *testing.T) {
		d := testDaemon(t)
		require.NoError(t, os.WriteFile(d.RequestPath(), []byte("{not json"), 0o644))
		_, ok := d.loadRequest(ctx)
		assert.False(t, ok)
	})

	t.Run("missing prompt", func(t *testing.T) {
		d := testDaemon(t)
		writeRequest(t, d.RequestPath(), map[string]string{"timestamp": "2026-08-30T10:00:00Z"})
		_, ok := d.loadRequest(ctx)
		assert.False(t, ok)
	})

	t.Run("valid request", func(t *testing.T) {
		d := testDaemon(t)
		writeRequest(t, d.RequestPath(), Request{Prompt: "build a todo app", Timestamp: "2026-08-30T10:00:00Z"})

		req, ok := d.loadRequest(ctx)
		require.True(t, ok)
		assert.Equal(t, "build a todo app", req.Prompt)
		assert.Equal(t, "2026-08-30T10:00:00Z", req.Timestamp)
	})
}

func TestSettleWait(t *testing.T) {
	t.Run("waits out the settle delay", func(t *testing.T) {
		d := testDaemon(t)
		start := time.Now()
		assert.True(t, d.settleWait(context.Background()))
		assert.GreaterOrEqual(t, time.Since(start), settleDelay)
	})

	t.Run("cancellation interrupts the wait", func(t *testing.T) {
		d := testDaemon(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		assert.False(t, d.settleWait(ctx))
		assert.Less(t, time.Since(start), settleDelay)
	})
}

func TestArchiveRequest(t *testing.T) {
	d := testDaemon(t)
	writeRequest(t, d.RequestPath(), Request{Prompt: "build a todo app"})

	req, ok := d.loadRequest(context.Background())
	require.True(t, ok)
	require.NoError(t, d.archiveRequest(req))

	// The original is gone, so a restart cannot pick it up again.
	_, err := os.Stat(d.RequestPath())
	assert.ErrorIs(t, err, os.ErrNotExist)

	processedPath := filepath.Join(filepath.Dir(d.RequestPath()), "request.processed.json")
	data, err := os.ReadFile(processedPath)
	require.NoError(t, err)

	var processed struct {
		Request
		ProcessedAt string `json:"processed_at"`
	}
	require.NoError(t, json.Unmarshal(data, &processed))
	assert.Equal(t, "build a todo app", processed.Prompt)
	assert.NotEmpty(t, processed.ProcessedAt)
}

func TestArchiveRequest_OverwritesPrevious(t *testing.T) {
	d := testDaemon(t)

	writeRequest(t, d.RequestPath(), Request{Prompt: "first"})
	req, _ := d.loadRequest(context.Background())
	require.NoError(t, d.archiveRequest(req))

	writeRequest(t, d.RequestPath(), Request{Prompt: "second"})
	req, _ = d.loadRequest(context.Background())
	require.NoError(t, d.archiveRequest(req))

	processedPath := filepath.Join(filepath.Dir(d.RequestPath()), "request.processed.json")
	data, err := os.ReadFile(processedPath)
	require.NoError(t, err)

	var processed Request
	require.NoError(t, json.Unmarshal(data, &processed))
	assert.Equal(t, "second", processed.Prompt)
}
