package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/services"
)

// processedSuffix names the archived copy of a handled request, next to the
// original.
const processedSuffix = ".processed.json"

// settleDelay gives writers a moment to finish after the first event for a
// request file. Editors and dashboards often write in several syscalls.
const settleDelay = 200 * time.Millisecond

// Request is the payload of a watched request file.
type Request struct {
	Prompt    string `json:"prompt"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Daemon ties the request watcher and the status server together. Requests
// are processed one at a time, in arrival order.
type Daemon struct {
	cfg      config.DaemonConfig
	registry services.Registry
	server   *Server
	logger   *logging.Logger

	requestPath string
}

// New builds a daemon around an already-constructed service registry.
func New(cfg config.DaemonConfig, registry services.Registry, logger *logging.Logger) (*Daemon, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	server, err := NewServer(cfg, registry, logger)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:         cfg,
		registry:    registry,
		server:      server,
		logger:      logger,
		requestPath: filepath.Join(registry.Workspace().Dir(), cfg.RequestFile),
	}, nil
}

// RequestPath returns the watched request file path.
func (d *Daemon) RequestPath() string {
	return d.requestPath
}

// Run serves until the context is canceled. It watches the workspace
// directory for the request file, processes any request already present at
// startup, and runs the status HTTP server alongside.
func (d *Daemon) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: the request file usually does not
	// exist yet, and atomic writers replace it by rename.
	dir := filepath.Dir(d.requestPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- d.server.Start()
	}()

	d.logger.Info(ctx, "daemon started",
		zap.String("request_file", d.requestPath),
		zap.String("addr", d.cfg.Addr),
	)

	// Pick up a request left behind while the daemon was down.
	d.maybeProcess(ctx)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return d.shutdown()
			}
			if filepath.Clean(event.Name) != d.requestPath {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !d.settleWait(ctx) {
				return d.shutdown()
			}
			d.maybeProcess(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return d.shutdown()
			}
			d.logger.Warn(ctx, "watcher error", zap.Error(err))
		}
	}
}

// settleWait gives the writer time to finish the request file. Returns false
// when the context is canceled first.
func (d *Daemon) settleWait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(settleDelay):
		return true
	}
}

func (d *Daemon) shutdown() error {
	timeout := d.cfg.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d.logger.Info(ctx, "daemon shutting down")
	return d.server.Shutdown(ctx)
}

// maybeProcess handles the request file if one is present. The file is
// archived before the pipeline runs, so a crash mid-run never reprocesses
// the same request.
func (d *Daemon) maybeProcess(ctx context.Context) {
	req, ok := d.loadRequest(ctx)
	if !ok {
		return
	}
	if err := d.archiveRequest(req); err != nil {
		d.logger.Error(ctx, "archiving request failed", zap.Error(err))
		return
	}
	RequestsTotal.WithLabelValues("accepted").Inc()
	d.process(ctx, req)
}

func (d *Daemon) loadRequest(ctx context.Context) (Request, bool) {
	data, err := os.ReadFile(d.requestPath)
	if errors.Is(err, os.ErrNotExist) {
		return Request{}, false
	}
	if err != nil {
		d.logger.Error(ctx, "reading request file failed", zap.Error(err))
		RequestsTotal.WithLabelValues("invalid").Inc()
		return Request{}, false
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		d.logger.Error(ctx, "invalid request JSON",
			zap.String("path", d.requestPath),
			zap.Error(err),
		)
		RequestsTotal.WithLabelValues("invalid").Inc()
		return Request{}, false
	}
	if req.Prompt == "" {
		d.logger.Error(ctx, "request has no prompt", zap.String("path", d.requestPath))
		RequestsTotal.WithLabelValues("invalid").Inc()
		return Request{}, false
	}
	return req, true
}

// archiveRequest moves the request aside so it cannot be picked up twice.
func (d *Daemon) archiveRequest(req Request) error {
	processed := struct {
		Request
		ProcessedAt time.Time `json:"processed_at"`
	}{Request: req, ProcessedAt: time.Now()}

	data, err := json.MarshalIndent(processed, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling processed request: %w", err)
	}

	processedPath := d.requestPath[:len(d.requestPath)-len(filepath.Ext(d.requestPath))] + processedSuffix
	if err := os.WriteFile(processedPath, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", processedPath, err)
	}
	if err := os.Remove(d.requestPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing request file: %w", err)
	}
	return nil
}

func (d *Daemon) process(ctx context.Context, req Request) {
	d.logger.Info(ctx, "processing request",
		zap.String("timestamp", req.Timestamp),
	)

	start := time.Now()
	state, err := d.registry.Orchestrator().Run(ctx, req.Prompt)
	if err != nil {
		d.logger.Error(ctx, "pipeline run errored", zap.Error(err))
		return
	}

	RunDuration.Observe(time.Since(start).Seconds())
	RunLoops.Observe(float64(state.LoopCount))
	RunsTotal.WithLabelValues(string(state.Status)).Inc()
	if state.FinalScore != nil {
		LastScore.Set(float64(*state.FinalScore))
	}

	if runs := d.registry.Archive(); runs != nil {
		if err := runs.SaveRun(ctx, state); err != nil {
			d.logger.Error(ctx, "archiving run failed", zap.Error(err))
		}
	}

	d.logger.Info(ctx, "request complete",
		zap.String("run_id", state.RunID),
		zap.String("status", string(state.Status)),
		zap.Int("loops", state.LoopCount),
	)
}
