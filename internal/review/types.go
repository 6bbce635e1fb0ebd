// Package review gathers independent reviewer opinions on an artifact.
//
// The aggregator fans out one judging call per configured reviewer, each with
// its own timeout, and collects whatever opinions arrive. A failing reviewer
// costs its slot, never the round; only a round with zero opinions fails.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/factoryd/internal/config"
)

var (
	// ErrNoOpinions indicates a round where every reviewer slot failed.
	ErrNoOpinions = errors.New("no reviewer available")

	// ErrInvalidScore indicates a score outside [0,100].
	ErrInvalidScore = errors.New("score out of range")
)

// Opinion is one reviewer's independent judgment. Immutable after creation.
type Opinion struct {
	ReviewerID string    `json:"reviewer_id"`
	Model      string    `json:"model,omitempty"`
	Score      int       `json:"score"`
	Rationale  string    `json:"rationale"`
	Concerns   []string  `json:"concerns,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the opinion for structural errors.
func (o Opinion) Validate() error {
	if o.ReviewerID == "" {
		return errors.New("reviewer id cannot be empty")
	}
	if o.Score < 0 || o.Score > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidScore, o.Score)
	}
	return nil
}

// OpinionSet holds the opinions of one round, ordered by reviewer
// configuration order. The order is for deterministic report rendering only;
// scoring must not depend on it.
type OpinionSet struct {
	Opinions []Opinion `json:"opinions"`

	// Missing lists reviewer identities whose slot produced no opinion,
	// with the failure reason.
	Missing []MissingOpinion `json:"missing,omitempty"`
}

// MissingOpinion records a reviewer slot that failed or timed out.
type MissingOpinion struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
}

// ByReviewer returns the opinion for a reviewer identity, if present.
func (s OpinionSet) ByReviewer(id string) (Opinion, bool) {
	for _, op := range s.Opinions {
		if op.ReviewerID == id {
			return op, true
		}
	}
	return Opinion{}, false
}

// Scores returns the opinion scores in set order.
func (s OpinionSet) Scores() []int {
	out := make([]int, len(s.Opinions))
	for i, op := range s.Opinions {
		out[i] = op.Score
	}
	return out
}

// Request carries the artifact under review to the judging port.
type Request struct {
	ReviewerID string
	Artifact   string
	Rubric     string

	// PreviousScore is the prior round's final score, or -1 for the first
	// round. Judges may use it to flag regressions.
	PreviousScore int
}

// Judge is the judging port: one independent quality assessment.
// Implementations must be safe for concurrent use.
type Judge interface {
	Judge(ctx context.Context, req Request) (Opinion, error)
}

// Reviewer binds a reviewer identity to its judge and timeout.
type Reviewer struct {
	ID      string
	Timeout time.Duration
	Judge   Judge
}

// ReviewersFromConfig builds the reviewer list from configuration, resolving
// each reviewer's agent through the supplied lookup.
func ReviewersFromConfig(cfgs []config.ReviewerConfig, lookup func(agent string) (Judge, error)) ([]Reviewer, error) {
	reviewers := make([]Reviewer, 0, len(cfgs))
	for _, rc := range cfgs {
		judge, err := lookup(rc.Agent)
		if err != nil {
			return nil, fmt.Errorf("reviewer %s: %w", rc.ID, err)
		}
		reviewers = append(reviewers, Reviewer{
			ID:      rc.ID,
			Timeout: rc.Timeout.Duration(),
			Judge:   judge,
		})
	}
	return reviewers, nil
}
