package services

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fyrsmithlabs/factoryd/internal/arbiter"
	"github.com/fyrsmithlabs/factoryd/internal/archive"
	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/feedback"
	"github.com/fyrsmithlabs/factoryd/internal/llm"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/memory"
	"github.com/fyrsmithlabs/factoryd/internal/pipeline"
	"github.com/fyrsmithlabs/factoryd/internal/report"
	"github.com/fyrsmithlabs/factoryd/internal/review"
	"github.com/fyrsmithlabs/factoryd/internal/workspace"
)

// snapshotFile is the status snapshot name inside the workspace directory.
const snapshotFile = "status.json"

// Registry provides access to all factoryd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Orchestrator() *pipeline.Orchestrator
	LLM() *llm.Registry
	Memory() *memory.Store
	Archive() *archive.Archive
	Workspace() *workspace.Workspace
	Snapshots() report.SnapshotWriter
	SnapshotPath() string

	// Close releases held resources (archive database handle).
	Close() error
}

// registry is the concrete implementation of Registry.
type registry struct {
	orchestrator *pipeline.Orchestrator
	llms         *llm.Registry
	memory       *memory.Store
	archive      *archive.Archive
	workspace    *workspace.Workspace
	snapshots    report.SnapshotWriter
	snapshotPath string
}

// Build constructs every service from configuration. Memory and archive are
// optional per config; everything else is mandatory.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (Registry, error) {
	llms, err := llm.NewRegistry(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("building llm registry: %w", err)
	}

	generation, err := llm.NewGeneration(llms, logger)
	if err != nil {
		return nil, fmt.Errorf("building generation port: %w", err)
	}

	reviewers, err := review.ReviewersFromConfig(cfg.Reviewers, llm.JudgeLookup(llms, logger))
	if err != nil {
		return nil, fmt.Errorf("building reviewers: %w", err)
	}
	aggregator, err := review.NewAggregator(reviewers, logger)
	if err != nil {
		return nil, fmt.Errorf("building aggregator: %w", err)
	}

	arb := arbiter.New(cfg.Arbiter)
	controller := feedback.NewController(
		cfg.Factory.DevQualityThreshold,
		cfg.Factory.ProdQualityThreshold,
		cfg.Factory.MaxFeedbackLoops,
	)

	ws, err := workspace.New(cfg.Workspace, logger)
	if err != nil {
		return nil, fmt.Errorf("building workspace: %w", err)
	}

	snapshotPath := filepath.Join(ws.Dir(), snapshotFile)
	snapshots, err := report.NewFileSnapshotWriter(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("building snapshot writer: %w", err)
	}

	var lessons *memory.Store
	if cfg.Memory.Enabled {
		lessons, err = memory.NewStore(cfg.Memory, logger)
		if err != nil {
			return nil, fmt.Errorf("building lesson store: %w", err)
		}
	}

	var runs *archive.Archive
	if cfg.Archive.Enabled {
		runs, err = archive.Open(cfg.Archive, logger)
		if err != nil {
			return nil, fmt.Errorf("opening run archive: %w", err)
		}
	}

	opts := pipeline.Options{
		Sink:      ws,
		Snapshots: snapshots,
	}
	if lessons != nil {
		opts.Retriever = lessons
		opts.Recorder = lessons
		opts.MemoryTopK = cfg.Memory.TopK
	}
	orchestrator, err := pipeline.New(cfg.Factory, generation, aggregator, arb, controller, logger, opts)
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	return &registry{
		orchestrator: orchestrator,
		llms:         llms,
		memory:       lessons,
		archive:      runs,
		workspace:    ws,
		snapshots:    snapshots,
		snapshotPath: snapshotPath,
	}, nil
}

func (r *registry) Orchestrator() *pipeline.Orchestrator { return r.orchestrator }
func (r *registry) LLM() *llm.Registry                   { return r.llms }
func (r *registry) Memory() *memory.Store                { return r.memory }
func (r *registry) Archive() *archive.Archive            { return r.archive }
func (r *registry) Workspace() *workspace.Workspace      { return r.workspace }
func (r *registry) Snapshots() report.SnapshotWriter     { return r.snapshots }
func (r *registry) SnapshotPath() string                 { return r.snapshotPath }

func (r *registry) Close() error {
	if r.archive != nil {
		return r.archive.Close()
	}
	return nil
}
