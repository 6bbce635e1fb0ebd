// Package arbiter synthesizes one final score from a round's opinion set.
//
// Synthesis is a deterministic policy, not an average: reviewer scores are
// weighted (the nominated lead arbitrator's weight is configurable), unique
// concerns deduct from the result, wide disagreement deducts further, and
// prior-round history smooths the outcome. Identical inputs always produce
// the identical score and progression classification.
package arbiter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/review"
)

// NoPreviousScore marks a first round, where no history exists.
const NoPreviousScore = -1

// Progression classifies the score delta against the previous round.
type Progression string

const (
	ProgressionFirstRound Progression = "first_round"
	ProgressionImproved   Progression = "improved"
	ProgressionRegressed  Progression = "regressed"
	ProgressionUnchanged  Progression = "unchanged"
)

// Result is one round's arbitration outcome. Immutable after creation.
type Result struct {
	FinalScore  int               `json:"final_score"`
	Rationale   string            `json:"rationale"`
	Progression Progression       `json:"progression"`
	Opinions    review.OpinionSet `json:"opinions"`
}

// Arbiter synthesizes opinion sets under a fixed policy.
type Arbiter struct {
	cfg config.ArbiterConfig
}

// New creates an arbiter with the given policy.
func New(cfg config.ArbiterConfig) *Arbiter {
	return &Arbiter{cfg: cfg}
}

// Synthesize produces the round's final score and rationale.
//
// prevScore is the immediately preceding round's final score, or
// NoPreviousScore for the first round. The result does not depend on the
// order of opinions within the set.
func (a *Arbiter) Synthesize(set review.OpinionSet, prevScore int) (Result, error) {
	if len(set.Opinions) == 0 {
		return Result{}, errors.New("cannot arbitrate an empty opinion set")
	}
	for _, op := range set.Opinions {
		if err := op.Validate(); err != nil {
			return Result{}, fmt.Errorf("opinion from %s: %w", op.ReviewerID, err)
		}
	}

	var final int
	var rationale strings.Builder

	if len(set.Opinions) == 1 {
		// No peers to reconcile: the single opinion stands as-is.
		only := set.Opinions[0]
		final = only.Score
		fmt.Fprintf(&rationale,
			"Single reviewer round: %s scored %d/100 and arbitration had no peer opinions to reconcile.",
			only.ReviewerID, only.Score)
	} else {
		final = a.synthesizeMany(set, prevScore, &rationale)
	}

	final = clamp(final)
	progression := classify(final, prevScore)
	appendProgression(&rationale, progression, final, prevScore)

	return Result{
		FinalScore:  final,
		Rationale:   rationale.String(),
		Progression: progression,
		Opinions:    set,
	}, nil
}

// synthesizeMany implements the multi-opinion policy. Writes the
// agreement/concern portion of the rationale as it goes.
func (a *Arbiter) synthesizeMany(set review.OpinionSet, prevScore int, rationale *strings.Builder) int {
	var weightedSum, totalWeight float64
	minScore, maxScore := 101, -1
	for _, op := range set.Opinions {
		w := 1.0
		if op.ReviewerID == a.cfg.LeadReviewer {
			w = a.cfg.LeadWeight
		}
		weightedSum += float64(op.Score) * w
		totalWeight += w
		if op.Score < minScore {
			minScore = op.Score
		}
		if op.Score > maxScore {
			maxScore = op.Score
		}
	}
	score := weightedSum / totalWeight

	concerns := uniqueConcerns(set)
	concernPenalty := math.Min(float64(len(concerns))*a.cfg.ConcernPenalty, a.cfg.MaxConcernPenalty)
	score -= concernPenalty

	spread := maxScore - minScore
	var disagreementPenalty float64
	switch {
	case spread >= 30:
		disagreementPenalty = a.cfg.DisagreementPenalty
	case spread >= 15:
		disagreementPenalty = a.cfg.DisagreementPenalty / 2
	}
	score -= disagreementPenalty

	if prevScore != NoPreviousScore && a.cfg.HistoryWeight > 0 {
		score = score*(1-a.cfg.HistoryWeight) + float64(prevScore)*a.cfg.HistoryWeight
	}

	fmt.Fprintf(rationale,
		"Synthesized %d reviewer opinions (scores %d-%d).",
		len(set.Opinions), minScore, maxScore)
	if spread >= 15 {
		fmt.Fprintf(rationale,
			" Reviewers disagree significantly (spread %d), reducing confidence in the consensus.", spread)
	} else {
		rationale.WriteString(" Reviewers are broadly in agreement.")
	}
	if len(concerns) > 0 {
		fmt.Fprintf(rationale, " %d distinct concerns weigh on the result: %s.",
			len(concerns), strings.Join(concerns, "; "))
	} else {
		rationale.WriteString(" No concerns were raised.")
	}

	return int(math.Round(score))
}

// uniqueConcerns flattens concern lists across reviewers, deduplicating
// case-insensitively. The returned list is sorted so the rationale text does
// not depend on opinion order.
func uniqueConcerns(set review.OpinionSet) []string {
	seen := make(map[string]string)
	for _, op := range set.Opinions {
		for _, c := range op.Concerns {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			key := strings.ToLower(c)
			if _, ok := seen[key]; !ok {
				seen[key] = c
			}
		}
	}
	out := make([]string, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// classify determines the progression direction against the previous round.
func classify(final, prevScore int) Progression {
	if prevScore == NoPreviousScore {
		return ProgressionFirstRound
	}
	switch {
	case final > prevScore:
		return ProgressionImproved
	case final < prevScore:
		return ProgressionRegressed
	default:
		return ProgressionUnchanged
	}
}

// appendProgression states the change against the previous round. This is an
// observable contract of the arbitration, not commentary.
func appendProgression(rationale *strings.Builder, p Progression, final, prevScore int) {
	switch p {
	case ProgressionFirstRound:
		rationale.WriteString(" This is the first review round; no prior score to compare against.")
	case ProgressionImproved:
		fmt.Fprintf(rationale, " The artifact improved versus the previous round (%d -> %d).", prevScore, clamp(final))
	case ProgressionRegressed:
		fmt.Fprintf(rationale, " The artifact regressed versus the previous round (%d -> %d).", prevScore, clamp(final))
	case ProgressionUnchanged:
		fmt.Fprintf(rationale, " The score is unchanged from the previous round (%d).", prevScore)
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
