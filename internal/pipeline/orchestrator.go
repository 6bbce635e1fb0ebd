package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factoryd/internal/arbiter"
	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/feedback"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/report"
	"github.com/fyrsmithlabs/factoryd/internal/review"
)

var tracer = otel.Tracer("factoryd.pipeline")

// Stage names, used for spans, logs, and snapshots.
const (
	StageSpecification  = "specification"
	StageSetup          = "setup"
	StageImplementation = "implementation"
	StageReview         = "review"
	StageArbitration    = "arbitration"
	StageDecision       = "decision"
)

// Failure reasons surfaced in terminal FAILED states.
const (
	ReasonCanceled   = "canceled"
	ReasonNoReviewer = "no reviewer available"
	ReasonGeneration = "generation failed"
	ReasonInternal   = "internal error"
)

// defaultMemoryTopK is used when no retrieval depth is configured.
const defaultMemoryTopK = 3

// Orchestrator drives one pipeline run end to end. All collaborators are
// injected; the zero value is not usable.
type Orchestrator struct {
	gen       Generator
	agg       *review.Aggregator
	arb       *arbiter.Arbiter
	ctrl      *feedback.Controller
	retriever MemoryRetriever // optional
	recorder  LessonRecorder  // optional
	sink      ArtifactSink    // optional
	snapshots report.SnapshotWriter
	logger    *logging.Logger
	envSelect string
	topK      int
}

// Options configures optional orchestrator collaborators.
type Options struct {
	Retriever MemoryRetriever
	Recorder  LessonRecorder
	Sink      ArtifactSink
	Snapshots report.SnapshotWriter

	// MemoryTopK is how many lessons the setup stage retrieves. Zero or
	// negative means the default.
	MemoryTopK int
}

// New builds an orchestrator. Generator, aggregator, arbiter, controller,
// and logger are required.
func New(cfg config.FactoryConfig, gen Generator, agg *review.Aggregator, arb *arbiter.Arbiter, ctrl *feedback.Controller, logger *logging.Logger, opts Options) (*Orchestrator, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if agg == nil || arb == nil || ctrl == nil {
		return nil, errors.New("aggregator, arbiter, and controller are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	topK := opts.MemoryTopK
	if topK <= 0 {
		topK = defaultMemoryTopK
	}
	snaps := opts.Snapshots
	if snaps == nil {
		snaps = report.NopSnapshotWriter{}
	}
	return &Orchestrator{
		gen:       gen,
		agg:       agg,
		arb:       arb,
		ctrl:      ctrl,
		retriever: opts.Retriever,
		recorder:  opts.Recorder,
		sink:      opts.Sink,
		snapshots: snaps,
		logger:    logger,
		envSelect: cfg.Environment,
		topK:      topK,
	}, nil
}

// Run executes the full pipeline for one task. The returned state is always
// terminal (APPROVED or FAILED) unless the returned error is non-nil for an
// internal invariant violation, in which case the state reflects the last
// consistent point.
func (o *Orchestrator) Run(ctx context.Context, task string) (*State, error) {
	if strings.TrimSpace(task) == "" {
		return nil, errors.New("task description cannot be empty")
	}

	state := NewState(task, o.ctrl.MaxLoops())
	ctx = logging.WithRunID(ctx, state.RunID)

	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", state.RunID))

	o.logger.Info(ctx, "pipeline started",
		zap.String("task", excerpt(task, 120)),
	)

	if err := o.specify(ctx, state); err != nil {
		return o.fail(ctx, state, span, StageSpecification, err)
	}
	if err := o.setup(ctx, state); err != nil {
		return o.fail(ctx, state, span, StageSetup, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, state, span, StageImplementation, err)
		}
		if err := o.implement(ctx, state); err != nil {
			return o.fail(ctx, state, span, StageImplementation, err)
		}

		set, err := o.collect(ctx, state)
		if err != nil {
			return o.fail(ctx, state, span, StageReview, err)
		}

		result, err := o.arbitrate(ctx, state, set)
		if err != nil {
			return o.fail(ctx, state, span, StageArbitration, err)
		}

		done, err := o.decide(ctx, state, result)
		if err != nil {
			return o.fail(ctx, state, span, StageDecision, err)
		}
		if done {
			break
		}
	}

	span.SetAttributes(
		attribute.String("run.status", string(state.Status)),
		attribute.Int("run.loops", state.LoopCount),
	)
	if state.Status == StatusFailed {
		span.SetStatus(codes.Error, state.FailureReason)
	}
	return state, nil
}

// specify runs the Specification stage: task description in, technical
// specification out. Failure here is fatal.
func (o *Orchestrator) specify(ctx context.Context, state *State) error {
	ctx = logging.WithStage(ctx, StageSpecification)
	ctx, span := tracer.Start(ctx, "pipeline.specification")
	defer span.End()

	res, err := o.gen.Generate(ctx, GenerateRequest{
		Role: RoleSpecification,
		Mode: ModeInitial,
		Task: state.TaskDescription,
	})
	if err != nil {
		return fmt.Errorf("specification: %w", err)
	}

	spec := strings.TrimSpace(res.Content)
	if spec == "" {
		return errors.New("specification: provider returned empty content")
	}
	if err := state.Apply(Delta{Specification: &spec, Usage: res.Usage}); err != nil {
		return err
	}
	o.logger.Info(ctx, "specification produced",
		zap.Int("length", len(spec)),
		zap.Int("tokens", res.Usage.TotalTokens),
	)
	o.snapshot(ctx, state, StageSpecification)
	return nil
}

// setup classifies the target environment and retrieves lessons from memory.
// Classification failure degrades to DEV; memory failure degrades to no
// context. Neither aborts the run.
func (o *Orchestrator) setup(ctx context.Context, state *State) error {
	ctx = logging.WithStage(ctx, StageSetup)
	ctx, span := tracer.Start(ctx, "pipeline.setup")
	defer span.End()

	env := o.classifyEnvironment(ctx, state)
	memCtx := o.retrieveLessons(ctx, state)

	if err := state.Apply(Delta{Environment: &env, MemoryContext: &memCtx}); err != nil {
		return err
	}
	o.logger.Info(ctx, "setup complete",
		zap.String("environment", string(env)),
		zap.Bool("memory_context", memCtx != ""),
	)
	o.snapshot(ctx, state, StageSetup)
	return nil
}

func (o *Orchestrator) classifyEnvironment(ctx context.Context, state *State) feedback.Environment {
	switch o.envSelect {
	case config.EnvSelectDev:
		return feedback.EnvDev
	case config.EnvSelectProd:
		return feedback.EnvProd
	}

	res, err := o.gen.Generate(ctx, GenerateRequest{
		Role:          RoleEnvironment,
		Mode:          ModeInitial,
		Task:          state.TaskDescription,
		Specification: state.Specification,
	})
	if err != nil {
		o.logger.Warn(ctx, "environment classification failed, defaulting to DEV", zap.Error(err))
		return feedback.EnvDev
	}
	answer := strings.ToUpper(strings.TrimSpace(res.Content))
	if strings.Contains(answer, "PROD") {
		return feedback.EnvProd
	}
	return feedback.EnvDev
}

func (o *Orchestrator) retrieveLessons(ctx context.Context, state *State) string {
	if o.retriever == nil {
		return ""
	}
	lessons, err := o.retriever.Retrieve(ctx, state.TaskDescription, o.topK)
	if err != nil {
		o.logger.Warn(ctx, "memory retrieval failed, continuing without context", zap.Error(err))
		return ""
	}
	if len(lessons) == 0 {
		return ""
	}
	return "Lessons from previous runs:\n- " + strings.Join(lessons, "\n- ")
}

// implement runs the Implementation stage. The first pass generates from the
// specification; subsequent passes revise the previous artifact against the
// outstanding concerns. Failure here is fatal.
func (o *Orchestrator) implement(ctx context.Context, state *State) error {
	ctx = logging.WithStage(ctx, StageImplementation)
	ctx = logging.WithRound(ctx, state.LoopCount)
	ctx, span := tracer.Start(ctx, "pipeline.implementation")
	defer span.End()

	req := GenerateRequest{
		Role:          RoleImplementation,
		Mode:          ModeInitial,
		Task:          state.TaskDescription,
		Specification: state.Specification,
		MemoryContext: state.MemoryContext,
	}
	if state.Artifact != "" {
		req.Mode = ModeRevision
		req.PreviousArtifact = state.Artifact
		req.Feedback = feedback.FormatConcerns(state.Concerns)
	}

	res, err := o.gen.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("implementation: %w", err)
	}
	artifact := strings.TrimSpace(res.Content)
	if artifact == "" {
		return errors.New("implementation: provider returned empty content")
	}

	status := StatusInReview
	if err := state.Apply(Delta{Artifact: &artifact, Status: &status, Usage: res.Usage}); err != nil {
		return err
	}

	if o.sink != nil {
		path, err := o.sink.WriteArtifact(ctx, string(state.Environment), artifact)
		if err != nil {
			o.logger.Warn(ctx, "artifact write failed", zap.Error(err))
		} else {
			o.logger.Info(ctx, "artifact written", zap.String("path", path))
		}
	}

	o.logger.Info(ctx, "implementation produced",
		zap.String("mode", string(req.Mode)),
		zap.Int("length", len(artifact)),
		zap.Int("tokens", res.Usage.TotalTokens),
	)
	o.snapshot(ctx, state, StageImplementation)
	return nil
}

// collect runs the concurrent Review stage. Only a fully empty opinion set
// is fatal; individual reviewer failures are degraded inside the aggregator.
func (o *Orchestrator) collect(ctx context.Context, state *State) (review.OpinionSet, error) {
	ctx = logging.WithStage(ctx, StageReview)
	ctx = logging.WithRound(ctx, state.LoopCount)
	ctx, span := tracer.Start(ctx, "pipeline.review")
	defer span.End()

	set, err := o.agg.Collect(ctx, review.Request{
		Artifact:      state.Artifact,
		Rubric:        state.Specification,
		PreviousScore: state.PreviousFinalScore(),
	})
	if err != nil {
		return review.OpinionSet{}, fmt.Errorf("review: %w", err)
	}
	o.snapshot(ctx, state, StageReview)
	return set, nil
}

// arbitrate synthesizes the opinion set into a single final score.
func (o *Orchestrator) arbitrate(ctx context.Context, state *State, set review.OpinionSet) (arbiter.Result, error) {
	ctx = logging.WithStage(ctx, StageArbitration)
	ctx, span := tracer.Start(ctx, "pipeline.arbitration")
	defer span.End()

	result, err := o.arb.Synthesize(set, state.PreviousFinalScore())
	if err != nil {
		return arbiter.Result{}, fmt.Errorf("arbitration: %w", err)
	}
	o.logger.Info(ctx, "arbitration complete",
		zap.Int("final_score", result.FinalScore),
		zap.String("progression", string(result.Progression)),
	)
	return result, nil
}

// decide applies the controller verdict. Returns done=true when the state
// went terminal.
func (o *Orchestrator) decide(ctx context.Context, state *State, result arbiter.Result) (bool, error) {
	ctx = logging.WithStage(ctx, StageDecision)
	ctx, span := tracer.Start(ctx, "pipeline.decision")
	defer span.End()

	decision := o.ctrl.Decide(state.Environment, result, state.LoopCount)
	round := report.NewRound(len(state.OpinionHistory)+1, result, decision)
	o.logger.Info(ctx, "council review complete", zap.String("report", round.Render()))

	delta := Delta{
		FinalScore:  &result.FinalScore,
		AppendRound: &round,
	}

	switch decision.Outcome {
	case feedback.OutcomeApproved:
		status := StatusApproved
		delta.Status = &status
		delta.SetConcerns = []feedback.Concern{}
	case feedback.OutcomeRejectedRetry:
		status := StatusRejectedRetry
		delta.Status = &status
		delta.IncrementLoop = true
		delta.SetConcerns = decision.Concerns
	case feedback.OutcomeFailed:
		status := StatusFailed
		delta.Status = &status
		delta.FailureReason = &decision.Reason
	default:
		return false, fmt.Errorf("unknown decision outcome %q", decision.Outcome)
	}

	if err := state.Apply(delta); err != nil {
		return false, err
	}

	o.logger.Info(ctx, "decision applied",
		zap.String("outcome", string(decision.Outcome)),
		zap.Int("loop_count", state.LoopCount),
		zap.Int("score", result.FinalScore),
	)
	o.snapshot(ctx, state, StageDecision)

	if state.Status == StatusApproved {
		o.recordLesson(ctx, state, result)
	}
	return state.Status.Terminal(), nil
}

func (o *Orchestrator) recordLesson(ctx context.Context, state *State, result arbiter.Result) {
	if o.recorder == nil {
		return
	}
	lesson := fmt.Sprintf("Task %q approved with score %d after %d revision(s). %s",
		excerpt(state.TaskDescription, 200), result.FinalScore, state.LoopCount, result.Rationale)
	if err := o.recorder.StoreLesson(ctx, state.RunID, state.TaskDescription, lesson, result.FinalScore); err != nil {
		o.logger.Warn(ctx, "lesson store failed", zap.Error(err))
	}
}

// fail forces the state to FAILED with a reason derived from the error, then
// returns the state. Review failures map to the no-reviewer reason; context
// cancellation has its own.
func (o *Orchestrator) fail(ctx context.Context, state *State, span trace.Span, stage string, cause error) (*State, error) {
	reason := failureReason(stage, cause)
	o.logger.Error(ctx, "pipeline failed",
		zap.String("stage", stage),
		zap.String("reason", reason),
		zap.Error(cause),
	)

	if !state.Status.Terminal() {
		status := StatusFailed
		if err := state.Apply(Delta{Status: &status, FailureReason: &reason}); err != nil {
			o.logger.Error(ctx, "failed to mark pipeline failed", zap.Error(err))
		}
	}
	span.SetStatus(codes.Error, reason)
	span.SetAttributes(attribute.String("run.failure_stage", stage))
	o.snapshot(ctx, state, stage)
	return state, nil
}

func failureReason(stage string, cause error) string {
	switch {
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return ReasonCanceled
	case errors.Is(cause, review.ErrNoOpinions):
		return ReasonNoReviewer
	case stage == StageSpecification, stage == StageImplementation:
		return fmt.Sprintf("%s: %s", ReasonGeneration, cause)
	default:
		return fmt.Sprintf("%s: %s", ReasonInternal, cause)
	}
}

// snapshot writes the dashboard status file. Snapshot failures are logged
// and otherwise ignored.
func (o *Orchestrator) snapshot(ctx context.Context, state *State, stage string) {
	snap := report.Snapshot{
		RunID:            state.RunID,
		Status:           string(state.Status),
		CurrentStage:     stage,
		Environment:      string(state.Environment),
		QualityScore:     state.FinalScore,
		LoopCount:        state.LoopCount,
		SpecExcerpt:      excerpt(state.Specification, 200),
		TaskExcerpt:      excerpt(state.TaskDescription, 200),
		FailureReason:    state.FailureReason,
		PromptTokens:     state.Usage.PromptTokens,
		CompletionTokens: state.Usage.CompletionTokens,
		TotalTokens:      state.Usage.TotalTokens,
	}
	if err := o.snapshots.Write(ctx, snap); err != nil {
		o.logger.Warn(ctx, "snapshot write failed", zap.Error(err))
	}
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
