// Package config provides configuration loading for factoryd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables. Defaults are applied for any missing values and the resulting
// configuration is validated before use.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Environment selection modes for new pipelines.
const (
	EnvSelectAuto = "auto"
	EnvSelectDev  = "dev"
	EnvSelectProd = "prod"
)

// Config holds the complete factoryd configuration.
type Config struct {
	Factory       FactoryConfig       `koanf:"factory"`
	LLM           LLMConfig           `koanf:"llm"`
	Reviewers     []ReviewerConfig    `koanf:"reviewers"`
	Arbiter       ArbiterConfig       `koanf:"arbiter"`
	Memory        MemoryConfig        `koanf:"memory"`
	Workspace     WorkspaceConfig     `koanf:"workspace"`
	Archive       ArchiveConfig       `koanf:"archive"`
	Daemon        DaemonConfig        `koanf:"daemon"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// FactoryConfig holds pipeline-level policy settings.
type FactoryConfig struct {
	// MaxFeedbackLoops bounds the number of implementation retries before a
	// pipeline is forced to FAILED.
	MaxFeedbackLoops int `koanf:"max_feedback_loops"`

	// DevQualityThreshold is the exclusive minimum score for approval in DEV.
	DevQualityThreshold int `koanf:"dev_quality_threshold"`

	// ProdQualityThreshold is the exclusive minimum score for approval in PROD.
	ProdQualityThreshold int `koanf:"prod_quality_threshold"`

	// Environment selects DEV/PROD directly, or "auto" to let the setup
	// stage classify the task via the generation port.
	Environment string `koanf:"environment"`
}

// LLMConfig holds provider credentials and the per-agent model registry.
type LLMConfig struct {
	Agents    map[string]AgentConfig `koanf:"agents"`
	OpenAI    OpenAIConfig           `koanf:"openai"`
	Anthropic AnthropicConfig        `koanf:"anthropic"`
	GoogleAI  GoogleAIConfig         `koanf:"googleai"`

	// RequestsPerSecond and Burst configure the shared rate limiter applied
	// to every provider call.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// AgentConfig maps one agent identity to a concrete provider and model.
type AgentConfig struct {
	Provider    string  `koanf:"provider"` // openai | anthropic | googleai
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// OpenAIConfig holds OpenAI (or OpenAI-compatible endpoint) settings.
type OpenAIConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  Secret `koanf:"api_key"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey Secret `koanf:"api_key"`
}

// GoogleAIConfig holds Google AI API settings.
type GoogleAIConfig struct {
	APIKey Secret `koanf:"api_key"`
}

// ReviewerConfig describes one independent council reviewer.
type ReviewerConfig struct {
	// ID is the reviewer identity shown in reports and opinion history.
	ID string `koanf:"id"`

	// Agent names the llm registry entry the reviewer calls.
	Agent string `koanf:"agent"`

	// Timeout bounds a single judging call, including its one retry.
	Timeout Duration `koanf:"timeout"`
}

// ArbiterConfig holds score synthesis policy.
type ArbiterConfig struct {
	// LeadReviewer nominates the reviewer identity acting as arbitrator.
	LeadReviewer string `koanf:"lead_reviewer"`

	// LeadWeight scales the lead reviewer's own opinion during synthesis.
	// 1.0 weighs the lead identically to peers.
	LeadWeight float64 `koanf:"lead_weight"`

	// ConcernPenalty is subtracted from the weighted mean per unique concern.
	ConcernPenalty float64 `koanf:"concern_penalty"`

	// MaxConcernPenalty caps the total concern deduction.
	MaxConcernPenalty float64 `koanf:"max_concern_penalty"`

	// DisagreementPenalty is applied when reviewer scores spread widely.
	DisagreementPenalty float64 `koanf:"disagreement_penalty"`

	// HistoryWeight nudges the synthesized score toward the previous round's
	// final score. 0 disables history smoothing.
	HistoryWeight float64 `koanf:"history_weight"`
}

// MemoryConfig holds the lesson store settings.
type MemoryConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Path       string          `koanf:"path"`
	Collection string          `koanf:"collection"`
	TopK       int             `koanf:"top_k"`
	Compress   bool            `koanf:"compress"`
	Embedding  EmbeddingConfig `koanf:"embedding"`
}

// EmbeddingConfig holds the embedding endpoint used by the lesson store.
// Any OpenAI-compatible embedding server works (TEI, OpenAI, llama.cpp).
type EmbeddingConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// WorkspaceConfig holds artifact output settings.
type WorkspaceConfig struct {
	Dir string `koanf:"dir"`

	// FilePattern names the artifact file; %s is replaced by the lowercase
	// environment (e.g. "app_%s.py" -> app_dev.py).
	FilePattern string `koanf:"file_pattern"`
}

// ArchiveConfig holds the SQLite run archive settings.
type ArchiveConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// DaemonConfig holds request watcher and status server settings.
type DaemonConfig struct {
	// Addr is the status HTTP server listen address.
	Addr string `koanf:"addr"`

	// RequestFile is the watched request file, relative to the workspace dir.
	RequestFile string `koanf:"request_file"`

	// ShutdownTimeout bounds graceful HTTP server shutdown.
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings translated into the logging package.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json | console
	Caller bool   `koanf:"caller"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // grpc | http/protobuf
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

// NewDefaultConfig returns the configuration used when no file or environment
// overrides are present. Reviewer identities and agent models follow the
// council layout: three independent reviewers, Claude as lead arbitrator.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Factory.MaxFeedbackLoops == 0 {
		cfg.Factory.MaxFeedbackLoops = 5
	}
	if cfg.Factory.DevQualityThreshold == 0 {
		cfg.Factory.DevQualityThreshold = 75
	}
	if cfg.Factory.ProdQualityThreshold == 0 {
		cfg.Factory.ProdQualityThreshold = 95
	}
	if cfg.Factory.Environment == "" {
		cfg.Factory.Environment = EnvSelectAuto
	}

	if cfg.LLM.Agents == nil {
		cfg.LLM.Agents = map[string]AgentConfig{
			"product_owner":  {Provider: "anthropic", Model: "claude-sonnet-4-20250514", Temperature: 0.3},
			"tech_lead":      {Provider: "googleai", Model: "gemini-1.5-pro", Temperature: 0.2},
			"dev_squad":      {Provider: "anthropic", Model: "claude-sonnet-4-20250514", Temperature: 0.1},
			"council_claude": {Provider: "anthropic", Model: "claude-sonnet-4-20250514", Temperature: 0.4},
			"council_gemini": {Provider: "googleai", Model: "gemini-1.5-pro", Temperature: 0.4},
			"council_gpt":    {Provider: "openai", Model: "gpt-4o", Temperature: 0.4},
		}
	}
	for name, agent := range cfg.LLM.Agents {
		if agent.MaxTokens == 0 {
			agent.MaxTokens = 8192
			cfg.LLM.Agents[name] = agent
		}
	}
	if cfg.LLM.RequestsPerSecond == 0 {
		cfg.LLM.RequestsPerSecond = 2
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 4
	}

	if len(cfg.Reviewers) == 0 {
		cfg.Reviewers = []ReviewerConfig{
			{ID: "GPT-4", Agent: "council_gpt"},
			{ID: "Gemini", Agent: "council_gemini"},
			{ID: "Claude", Agent: "council_claude"},
		}
	}
	for i := range cfg.Reviewers {
		if cfg.Reviewers[i].Timeout == 0 {
			cfg.Reviewers[i].Timeout = Duration(60 * time.Second)
		}
	}

	if cfg.Arbiter.LeadReviewer == "" {
		cfg.Arbiter.LeadReviewer = "Claude"
	}
	if cfg.Arbiter.LeadWeight == 0 {
		cfg.Arbiter.LeadWeight = 1.0
	}
	if cfg.Arbiter.ConcernPenalty == 0 {
		cfg.Arbiter.ConcernPenalty = 2.0
	}
	if cfg.Arbiter.MaxConcernPenalty == 0 {
		cfg.Arbiter.MaxConcernPenalty = 10.0
	}
	if cfg.Arbiter.DisagreementPenalty == 0 {
		cfg.Arbiter.DisagreementPenalty = 5.0
	}
	if cfg.Arbiter.HistoryWeight == 0 {
		cfg.Arbiter.HistoryWeight = 0.2
	}

	if cfg.Memory.Path == "" {
		cfg.Memory.Path = "~/.config/factoryd/memory"
	}
	if cfg.Memory.Collection == "" {
		cfg.Memory.Collection = "lessons"
	}
	if cfg.Memory.TopK == 0 {
		cfg.Memory.TopK = 3
	}
	if cfg.Memory.Embedding.BaseURL == "" {
		cfg.Memory.Embedding.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Memory.Embedding.Model == "" {
		cfg.Memory.Embedding.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Workspace.Dir == "" {
		cfg.Workspace.Dir = "workspace"
	}
	if cfg.Workspace.FilePattern == "" {
		cfg.Workspace.FilePattern = "app_%s.py"
	}

	if cfg.Archive.Path == "" {
		cfg.Archive.Path = "~/.config/factoryd/runs.db"
	}

	if cfg.Daemon.Addr == "" {
		cfg.Daemon.Addr = ":8900"
	}
	if cfg.Daemon.RequestFile == "" {
		cfg.Daemon.RequestFile = "request.json"
	}
	if cfg.Daemon.ShutdownTimeout == 0 {
		cfg.Daemon.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "factoryd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Factory.MaxFeedbackLoops < 1 {
		errs = append(errs, fmt.Errorf("factory.max_feedback_loops must be >= 1, got %d", c.Factory.MaxFeedbackLoops))
	}
	if c.Factory.DevQualityThreshold < 0 || c.Factory.DevQualityThreshold > 100 {
		errs = append(errs, fmt.Errorf("factory.dev_quality_threshold must be in [0,100], got %d", c.Factory.DevQualityThreshold))
	}
	if c.Factory.ProdQualityThreshold < 0 || c.Factory.ProdQualityThreshold > 100 {
		errs = append(errs, fmt.Errorf("factory.prod_quality_threshold must be in [0,100], got %d", c.Factory.ProdQualityThreshold))
	}
	switch c.Factory.Environment {
	case EnvSelectAuto, EnvSelectDev, EnvSelectProd:
	default:
		errs = append(errs, fmt.Errorf("factory.environment must be auto, dev, or prod, got %q", c.Factory.Environment))
	}

	if len(c.Reviewers) == 0 {
		errs = append(errs, errors.New("at least one reviewer is required"))
	}
	seen := make(map[string]bool, len(c.Reviewers))
	for _, r := range c.Reviewers {
		if r.ID == "" {
			errs = append(errs, errors.New("reviewer id cannot be empty"))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate reviewer id %q", r.ID))
		}
		seen[r.ID] = true
		if r.Agent == "" {
			errs = append(errs, fmt.Errorf("reviewer %q: agent cannot be empty", r.ID))
		} else if _, ok := c.LLM.Agents[r.Agent]; !ok {
			errs = append(errs, fmt.Errorf("reviewer %q: unknown agent %q", r.ID, r.Agent))
		}
		if r.Timeout.Duration() <= 0 {
			errs = append(errs, fmt.Errorf("reviewer %q: timeout must be positive", r.ID))
		}
	}

	if c.Arbiter.LeadReviewer != "" && !seen[c.Arbiter.LeadReviewer] {
		errs = append(errs, fmt.Errorf("arbiter.lead_reviewer %q is not a configured reviewer", c.Arbiter.LeadReviewer))
	}
	if c.Arbiter.LeadWeight < 0 {
		errs = append(errs, errors.New("arbiter.lead_weight cannot be negative"))
	}

	for name, agent := range c.LLM.Agents {
		switch agent.Provider {
		case "openai", "anthropic", "googleai":
		default:
			errs = append(errs, fmt.Errorf("agent %q: unknown provider %q", name, agent.Provider))
		}
		if agent.Model == "" {
			errs = append(errs, fmt.Errorf("agent %q: model cannot be empty", name))
		}
		if agent.Temperature < 0 || agent.Temperature > 2 {
			errs = append(errs, fmt.Errorf("agent %q: temperature must be in [0,2], got %f", name, agent.Temperature))
		}
	}

	if c.Memory.Enabled && c.Memory.TopK < 1 {
		errs = append(errs, errors.New("memory.top_k must be >= 1 when memory is enabled"))
	}

	return errors.Join(errs...)
}
