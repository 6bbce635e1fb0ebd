// Package feedback decides whether a review round approves the artifact,
// routes it back for revision, or terminates the pipeline.
//
// The controller is a pure policy: it never performs I/O and never mutates
// pipeline state directly. The orchestrator applies its decisions.
package feedback

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/factoryd/internal/arbiter"
	"github.com/fyrsmithlabs/factoryd/internal/review"
)

// Environment selects the approval threshold semantics.
type Environment string

const (
	EnvDev  Environment = "DEV"
	EnvProd Environment = "PROD"
)

// Outcome is the controller's verdict for a round.
type Outcome string

const (
	OutcomeApproved      Outcome = "approved"
	OutcomeRejectedRetry Outcome = "rejected_retry"
	OutcomeFailed        Outcome = "failed"
)

// ReasonLoopExhausted is recorded when the retry bound is reached. It is a
// defined terminal outcome, distinguishable from provider failures.
const ReasonLoopExhausted = "loop exhausted"

// Concern is a reviewer-attributed issue carried into the next revision.
type Concern struct {
	ReviewerID string `json:"reviewer_id"`
	Text       string `json:"text"`
}

// String renders the concern with attribution for prompt reuse.
func (c Concern) String() string {
	return fmt.Sprintf("[%s] %s", c.ReviewerID, c.Text)
}

// Decision is the controller's output for one round.
type Decision struct {
	Outcome Outcome

	// Reason is set for OutcomeFailed.
	Reason string

	// Concerns is the deduplicated, attributed concern list for the next
	// revision. Set only for OutcomeRejectedRetry.
	Concerns []Concern
}

// Controller applies thresholds and the loop bound.
type Controller struct {
	devThreshold  int
	prodThreshold int
	maxLoops      int
}

// NewController creates a controller. Thresholds are exclusive minimums:
// a score must be strictly greater to approve.
func NewController(devThreshold, prodThreshold, maxLoops int) *Controller {
	return &Controller{
		devThreshold:  devThreshold,
		prodThreshold: prodThreshold,
		maxLoops:      maxLoops,
	}
}

// Threshold returns the approval threshold for an environment.
// Unknown environments fall back to the stricter PROD threshold.
func (c *Controller) Threshold(env Environment) int {
	if env == EnvDev {
		return c.devThreshold
	}
	return c.prodThreshold
}

// MaxLoops returns the revision bound.
func (c *Controller) MaxLoops() int {
	return c.maxLoops
}

// Decide evaluates one arbitration result against the current loop count.
//
//   - score > threshold(env): approved.
//   - otherwise, loopCount < maxLoops: rejected for retry, with the round's
//     concerns flattened for revision context.
//   - otherwise: failed with ReasonLoopExhausted; the last artifact is
//     retained unchanged as the final unapproved output.
func (c *Controller) Decide(env Environment, result arbiter.Result, loopCount int) Decision {
	if result.FinalScore > c.Threshold(env) {
		return Decision{Outcome: OutcomeApproved}
	}

	if loopCount < c.maxLoops {
		return Decision{
			Outcome:  OutcomeRejectedRetry,
			Concerns: FlattenConcerns(result.Opinions),
		}
	}

	return Decision{
		Outcome: OutcomeFailed,
		Reason:  ReasonLoopExhausted,
	}
}

// FlattenConcerns merges all reviewers' concern lists in set order,
// deduplicating case-insensitively. The first reviewer to raise a concern
// keeps the attribution.
func FlattenConcerns(set review.OpinionSet) []Concern {
	seen := make(map[string]bool)
	var out []Concern
	for _, op := range set.Opinions {
		for _, text := range op.Concerns {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			key := strings.ToLower(text)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Concern{ReviewerID: op.ReviewerID, Text: text})
		}
	}
	return out
}

// FormatConcerns renders concerns as revision-prompt context.
func FormatConcerns(concerns []Concern) string {
	if len(concerns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(concerns)+1)
	lines = append(lines, "REVIEW CONCERNS TO ADDRESS:")
	for _, c := range concerns {
		lines = append(lines, "- "+c.String())
	}
	return strings.Join(lines, "\n")
}
