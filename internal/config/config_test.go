package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 5, cfg.Factory.MaxFeedbackLoops)
	assert.Equal(t, 75, cfg.Factory.DevQualityThreshold)
	assert.Equal(t, 95, cfg.Factory.ProdQualityThreshold)
	assert.Equal(t, EnvSelectAuto, cfg.Factory.Environment)

	// Three independent council reviewers, Claude nominated as lead.
	require.Len(t, cfg.Reviewers, 3)
	assert.Equal(t, "Claude", cfg.Arbiter.LeadReviewer)
	assert.Equal(t, 1.0, cfg.Arbiter.LeadWeight)
	for _, r := range cfg.Reviewers {
		assert.Equal(t, 60*time.Second, r.Timeout.Duration())
		_, ok := cfg.LLM.Agents[r.Agent]
		assert.True(t, ok, "reviewer %s agent must exist", r.ID)
	}

	assert.Equal(t, "lessons", cfg.Memory.Collection)
	assert.Equal(t, 3, cfg.Memory.TopK)
	assert.Equal(t, "app_%s.py", cfg.Workspace.FilePattern)
	assert.Equal(t, ":8900", cfg.Daemon.Addr)
	assert.Equal(t, "request.json", cfg.Daemon.RequestFile)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "factoryd", cfg.Observability.ServiceName)

	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return NewDefaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero loops", func(c *Config) { c.Factory.MaxFeedbackLoops = -1 }, "max_feedback_loops"},
		{"threshold too high", func(c *Config) { c.Factory.DevQualityThreshold = 101 }, "dev_quality_threshold"},
		{"bad environment", func(c *Config) { c.Factory.Environment = "staging" }, "factory.environment"},
		{"no reviewers", func(c *Config) { c.Reviewers = nil; c.Arbiter.LeadReviewer = "" }, "at least one reviewer"},
		{"duplicate reviewer", func(c *Config) { c.Reviewers[1].ID = c.Reviewers[0].ID }, "duplicate reviewer"},
		{"unknown reviewer agent", func(c *Config) { c.Reviewers[0].Agent = "ghost" }, "unknown agent"},
		{"zero reviewer timeout", func(c *Config) { c.Reviewers[0].Timeout = 0 }, "timeout must be positive"},
		{"lead not a reviewer", func(c *Config) { c.Arbiter.LeadReviewer = "Nobody" }, "lead_reviewer"},
		{"negative lead weight", func(c *Config) { c.Arbiter.LeadWeight = -1 }, "lead_weight"},
		{"unknown provider", func(c *Config) {
			a := c.LLM.Agents["dev_squad"]
			a.Provider = "cohere"
			c.LLM.Agents["dev_squad"] = a
		}, "unknown provider"},
		{"temperature out of range", func(c *Config) {
			a := c.LLM.Agents["dev_squad"]
			a.Temperature = 3
			c.LLM.Agents["dev_squad"] = a
		}, "temperature"},
		{"memory topk", func(c *Config) { c.Memory.Enabled = true; c.Memory.TopK = 0 }, "top_k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Factory.MaxFeedbackLoops)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
factory:
  max_feedback_loops: 3
  environment: prod
workspace:
  file_pattern: "generated_%s.py"
daemon:
  shutdown_timeout: 30s
llm:
  openai:
    api_key: sk-test
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Factory.MaxFeedbackLoops)
	assert.Equal(t, EnvSelectProd, cfg.Factory.Environment)
	assert.Equal(t, "generated_%s.py", cfg.Workspace.FilePattern)
	assert.Equal(t, 30*time.Second, cfg.Daemon.ShutdownTimeout.Duration())
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey.Value())

	// Untouched sections keep their defaults.
	assert.Equal(t, 95, cfg.Factory.ProdQualityThreshold)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("factory:\n  max_feedback_loops: 3\n"), 0o644))

	t.Setenv("FACTORY_MAX_FEEDBACK_LOOPS", "2")
	t.Setenv("DAEMON_ADDR", ":9999")
	t.Setenv("LLM_ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Factory.MaxFeedbackLoops)
	assert.Equal(t, ":9999", cfg.Daemon.Addr)
	assert.Equal(t, "sk-ant-test", cfg.LLM.Anthropic.APIKey.Value())
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("factory:\n  environment: staging\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("factory: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~/.config/factoryd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "factoryd"), got)

	got, err = ExpandHome("/absolute/path")
	require.NoError(t, err)
	assert.Equal(t, "/absolute/path", got)

	got, err = ExpandHome("relative/path")
	require.NoError(t, err)
	assert.Equal(t, "relative/path", got)
}
