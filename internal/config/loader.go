package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// envSections lists the top-level config sections recognized in environment
// variable names. Anything else is ignored so unrelated variables (PATH,
// HOME, ...) never leak into the configuration.
var envSections = map[string]bool{
	"factory":       true,
	"llm":           true,
	"arbiter":       true,
	"memory":        true,
	"workspace":     true,
	"archive":       true,
	"daemon":        true,
	"logging":       true,
	"observability": true,
}

// Load loads configuration from a YAML file, then overrides with environment
// variables, applies defaults, and validates.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FACTORY_MAX_FEEDBACK_LOOPS, LLM_OPENAI_API_KEY, ...)
//  2. YAML config file (~/.config/factoryd/config.yaml by default)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path is used; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "factoryd", "config.yaml")
	}

	if info, err := os.Stat(configPath); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variables use underscore separator and are uppercased.
	// The transform splits on the first underscore: section.field_name.
	// Examples:
	//   FACTORY_MAX_FEEDBACK_LOOPS -> factory.max_feedback_loops
	//   LLM_REQUESTS_PER_SECOND    -> llm.requests_per_second
	//   DAEMON_ADDR                -> daemon.addr
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 || !envSections[parts[0]] {
			// Not a recognized section; return a key that won't unmarshal
			// into the config struct.
			return "ignored." + lower
		}
		section, field := parts[0], parts[1]
		// Known nested subsections (LLM_OPENAI_API_KEY -> llm.openai.api_key).
		for _, sub := range []string{"openai_", "anthropic_", "googleai_", "embedding_"} {
			if strings.HasPrefix(field, sub) {
				field = strings.TrimSuffix(sub, "_") + "." + strings.TrimPrefix(field, sub)
				break
			}
		}
		return section + "." + field
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the factoryd config directory if it doesn't exist.
// The directory is created with 0700 permissions (owner only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "factoryd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
