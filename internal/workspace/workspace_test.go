package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
)

func testWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(config.WorkspaceConfig{
		Dir:         t.TempDir(),
		FilePattern: "generated_app_%s.py",
	}, logging.NewNop())
	require.NoError(t, err)
	return ws
}

func TestNew(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "output")
		_, err := New(config.WorkspaceConfig{Dir: dir, FilePattern: "app_%s.py"}, logging.NewNop())
		require.NoError(t, err)

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("rejects pattern without placeholder", func(t *testing.T) {
		_, err := New(config.WorkspaceConfig{Dir: t.TempDir(), FilePattern: "app.py"}, logging.NewNop())
		assert.Error(t, err)
	})

	t.Run("requires logger", func(t *testing.T) {
		_, err := New(config.WorkspaceConfig{Dir: t.TempDir(), FilePattern: "app_%s.py"}, nil)
		assert.Error(t, err)
	})
}

func TestArtifactPath(t *testing.T) {
	ws := testWorkspace(t)
	assert.Equal(t, filepath.Join(ws.Dir(), "generated_app_dev.py"), ws.ArtifactPath("DEV"))
	assert.Equal(t, filepath.Join(ws.Dir(), "generated_app_prod.py"), ws.ArtifactPath("PROD"))
}

func TestWriteArtifact(t *testing.T) {
	ws := testWorkspace(t)
	ctx := context.Background()

	path, err := ws.WriteArtifact(ctx, "DEV", "```python\nprint('hello')\n```")
	require.NoError(t, err)
	assert.Equal(t, ws.ArtifactPath("DEV"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "print('hello')", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestWriteArtifact_ReplacesExisting(t *testing.T) {
	ws := testWorkspace(t)
	ctx := context.Background()

	_, err := ws.WriteArtifact(ctx, "DEV", "print('v1')")
	require.NoError(t, err)
	path, err := ws.WriteArtifact(ctx, "DEV", "print('v2')")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "print('v2')", string(data))

	// No temp files left in the workspace.
	entries, err := os.ReadDir(ws.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteArtifact_Errors(t *testing.T) {
	ws := testWorkspace(t)
	ctx := context.Background()

	_, err := ws.WriteArtifact(ctx, "", "print('x')")
	assert.Error(t, err)

	_, err = ws.WriteArtifact(ctx, "DEV", "```python\n```")
	assert.Error(t, err, "nothing left after fence stripping")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ws.WriteArtifact(canceled, "DEV", "print('x')")
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fences", "print('hi')", "print('hi')"},
		{"plain fences", "```\nprint('hi')\n```", "print('hi')"},
		{"language tag", "```python\nx = 1\ny = 2\n```", "x = 1\ny = 2"},
		{"surrounding prose trimmed", "  \n```python\nx = 1\n```\n  ", "x = 1"},
		{"indented fence", "  ```python\nx = 1\n  ```", "x = 1"},
		{"backticks inline are kept", "s = '```'", "s = '```'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestScan(t *testing.T) {
	tests := []struct {
		name string
		code string
		want int
	}{
		{"clean code", "def add(a, b):\n    return a + b", 0},
		{"os.system", "import os\nos.system('ls')", 1},
		{"subprocess", "import subprocess\nsubprocess.run(['ls'])", 1},
		{"eval", "eval('1+1')", 1},
		{"exec", "exec(code)", 1},
		{"dynamic import", "__import__('os')", 1},
		{"write mode open", "f = open('out.txt', 'w')", 1},
		{"read mode open is fine", "f = open('in.txt', 'r')", 0},
		{"rmtree", "shutil.rmtree('/tmp/x')", 1},
		{"multiple", "os.system('ls')\neval('x')\nos.remove('f')", 3},
		{"evaluate is not eval", "def evaluate(x):\n    return x", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings := Scan(tt.code)
			assert.Len(t, warnings, tt.want)
			for _, w := range warnings {
				assert.Contains(t, w, "Potentially dangerous code detected:")
			}
		})
	}
}
