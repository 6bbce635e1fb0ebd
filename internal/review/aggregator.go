package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factoryd/internal/logging"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("factoryd.review")

// transienter is implemented by errors worth one more attempt (timeouts,
// rate limits, 5xx responses).
type transienter interface {
	Transient() bool
}

// IsTransient reports whether err is marked retryable by its producer.
func IsTransient(err error) bool {
	var t transienter
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// Aggregator obtains independent opinions from a fixed reviewer set.
type Aggregator struct {
	reviewers []Reviewer
	logger    *logging.Logger
}

// NewAggregator creates an aggregator over the given reviewers.
// Reviewer order is preserved in the resulting opinion sets.
func NewAggregator(reviewers []Reviewer, logger *logging.Logger) (*Aggregator, error) {
	if len(reviewers) == 0 {
		return nil, errors.New("at least one reviewer is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Aggregator{
		reviewers: reviewers,
		logger:    logger.Named("review"),
	}, nil
}

// slotResult carries one reviewer slot's outcome across the join point.
type slotResult struct {
	index   int
	opinion Opinion
	err     error
}

// Collect fans out one judging call per reviewer and blocks until every slot
// has completed, failed, or timed out. There is no early exit: every opinion
// that arrives in time is counted.
//
// A slot that fails with a transient error is retried once within its own
// timeout budget. Failed slots are recorded in the set's Missing list.
// Returns ErrNoOpinions when zero opinions were obtained.
func (a *Aggregator) Collect(ctx context.Context, req Request) (OpinionSet, error) {
	ctx, span := tracer.Start(ctx, "Aggregator.Collect", trace.WithAttributes(
		attribute.Int("review.reviewers", len(a.reviewers)),
	))
	defer span.End()

	results := make(chan slotResult, len(a.reviewers))
	var wg sync.WaitGroup

	for i, reviewer := range a.reviewers {
		wg.Add(1)
		go func(index int, r Reviewer) {
			defer wg.Done()
			op, err := a.collectOne(ctx, r, req)
			results <- slotResult{index: index, opinion: op, err: err}
		}(i, reviewer)
	}

	wg.Wait()
	close(results)

	byIndex := make([]*slotResult, len(a.reviewers))
	for res := range results {
		res := res
		byIndex[res.index] = &res
	}

	var set OpinionSet
	for i, res := range byIndex {
		if res == nil {
			// Unreachable: every goroutine sends exactly once.
			continue
		}
		if res.err != nil {
			a.logger.Warn(ctx, "reviewer slot failed",
				zap.String("reviewer", a.reviewers[i].ID),
				zap.Error(res.err),
			)
			set.Missing = append(set.Missing, MissingOpinion{
				ReviewerID: a.reviewers[i].ID,
				Reason:     res.err.Error(),
			})
			continue
		}
		set.Opinions = append(set.Opinions, res.opinion)
	}

	span.SetAttributes(
		attribute.Int("review.opinions", len(set.Opinions)),
		attribute.Int("review.missing", len(set.Missing)),
	)

	if len(set.Opinions) == 0 {
		return set, ErrNoOpinions
	}

	a.logger.Info(ctx, "review round collected",
		zap.Int("opinions", len(set.Opinions)),
		zap.Int("missing", len(set.Missing)),
	)
	return set, nil
}

// collectOne runs a single reviewer slot: one call, plus one retry if the
// first attempt failed transiently. The whole slot shares one timeout.
func (a *Aggregator) collectOne(parent context.Context, r Reviewer, req Request) (Opinion, error) {
	ctx := parent
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, r.Timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "Aggregator.collectOne", trace.WithAttributes(
		attribute.String("review.reviewer", r.ID),
	))
	defer span.End()

	slotReq := req
	slotReq.ReviewerID = r.ID

	op, err := r.Judge.Judge(ctx, slotReq)
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		a.logger.Debug(ctx, "retrying reviewer after transient error",
			zap.String("reviewer", r.ID),
			zap.Error(err),
		)
		op, err = r.Judge.Judge(ctx, slotReq)
	}
	if err != nil {
		return Opinion{}, fmt.Errorf("judge %s: %w", r.ID, err)
	}

	op.ReviewerID = r.ID
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if verr := op.Validate(); verr != nil {
		return Opinion{}, fmt.Errorf("judge %s returned invalid opinion: %w", r.ID, verr)
	}
	return op, nil
}
