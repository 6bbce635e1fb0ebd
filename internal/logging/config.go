// internal/logging/config.go
package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"`
	Caller     CallerConfig      `koanf:"caller"`
	Stacktrace StacktraceConfig  `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"`
}

// CallerConfig controls caller information in logs.
type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

// StacktraceConfig controls stacktrace inclusion.
type StacktraceConfig struct {
	Level zapcore.Level `koanf:"level"`
}

// NewDefaultConfig returns production defaults: info level, JSON output.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stacktrace: StacktraceConfig{
			Level: zapcore.ErrorLevel,
		},
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Level < TraceLevel || c.Level > zapcore.FatalLevel {
		return fmt.Errorf("invalid level: %d", c.Level)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", c.Format)
	}
	if c.Caller.Skip < 0 {
		return fmt.Errorf("caller.skip cannot be negative")
	}
	return nil
}
