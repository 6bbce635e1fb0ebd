// Package workspace writes generated artifacts to the output directory:
// markdown fences are stripped, the content is scanned for dangerous code
// patterns, and the file is replaced atomically.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
)

// dangerousPatterns flags generated Python code worth human attention.
// A match is a warning, never a rejection: the factory reports, the
// operator decides.
var dangerousPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`\bos\.system\b`), "os.system() - Command execution"},
	{regexp.MustCompile(`\bsubprocess\.`), "subprocess module - Process execution"},
	{regexp.MustCompile(`\beval\s*\(`), "eval() - Code evaluation"},
	{regexp.MustCompile(`\bexec\s*\(`), "exec() - Code execution"},
	{regexp.MustCompile(`\b__import__\s*\(`), "__import__() - Dynamic imports"},
	{regexp.MustCompile(`\bcompile\s*\(`), "compile() - Code compilation"},
	{regexp.MustCompile(`\bopen\s*\([^)]*['"][wWaA]`), "open() with write/append mode - File writing"},
	{regexp.MustCompile(`\bshutil\.rmtree\b`), "shutil.rmtree() - Recursive deletion"},
	{regexp.MustCompile(`\bos\.remove\b`), "os.remove() - File deletion"},
	{regexp.MustCompile(`\bos\.unlink\b`), "os.unlink() - File deletion"},
}

// Workspace owns the artifact output directory.
type Workspace struct {
	dir         string
	filePattern string
	logger      *logging.Logger
}

// New creates the workspace directory if needed.
func New(cfg config.WorkspaceConfig, logger *logging.Logger) (*Workspace, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	dir, err := config.ExpandHome(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("expanding workspace dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	if !strings.Contains(cfg.FilePattern, "%s") {
		return nil, fmt.Errorf("file pattern %q must contain %%s", cfg.FilePattern)
	}
	return &Workspace{dir: dir, filePattern: cfg.FilePattern, logger: logger}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// ArtifactPath returns the artifact path for an environment.
func (w *Workspace) ArtifactPath(env string) string {
	return filepath.Join(w.dir, fmt.Sprintf(w.filePattern, strings.ToLower(env)))
}

// WriteArtifact cleans, scans, and writes the artifact for an environment,
// returning the path written. Implements pipeline.ArtifactSink.
func (w *Workspace) WriteArtifact(ctx context.Context, env string, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if env == "" {
		return "", errors.New("environment cannot be empty")
	}

	cleaned := StripFences(content)
	if cleaned == "" {
		return "", errors.New("artifact is empty after cleaning")
	}

	for _, warning := range Scan(cleaned) {
		w.logger.Warn(ctx, "potentially dangerous code detected",
			zap.String("pattern", warning),
			zap.String("environment", env),
		)
	}

	path := w.ArtifactPath(env)
	if err := writeAtomic(path, []byte(cleaned)); err != nil {
		return "", err
	}
	w.logger.Info(ctx, "artifact written",
		zap.String("path", path),
		zap.Int("bytes", len(cleaned)),
	)
	return path, nil
}

// StripFences removes markdown code fences around generated code. Language
// tags on the opening fence are dropped with it.
func StripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.Contains(content, "```") {
		return content
	}

	var out []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Scan returns a description per dangerous pattern found in the code.
func Scan(code string) []string {
	var warnings []string
	for _, p := range dangerousPatterns {
		if p.re.MatchString(code) {
			warnings = append(warnings, "Potentially dangerous code detected: "+p.desc)
		}
	}
	return warnings
}

// writeAtomic replaces path via a temp file and rename, so readers never
// observe a partial artifact.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting artifact mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing artifact: %w", err)
	}
	return nil
}
