// Package report renders review rounds for humans and external consumers.
//
// It produces the per-round council report, and writes an atomically-updated
// JSON status snapshot that external dashboards poll.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/factoryd/internal/arbiter"
	"github.com/fyrsmithlabs/factoryd/internal/feedback"
	"github.com/fyrsmithlabs/factoryd/internal/review"
)

// Round is the structured record of one full review round: every opinion,
// the arbitration result, the progression against the previous round, and
// the controller's decision.
type Round struct {
	Number      int                 `json:"number"`
	Opinions    review.OpinionSet   `json:"opinions"`
	Arbitration arbiter.Result      `json:"arbitration"`
	Decision    feedback.Outcome    `json:"decision"`
	Progression arbiter.Progression `json:"progression"`
	CompletedAt time.Time           `json:"completed_at"`
}

// NewRound assembles a round record.
func NewRound(number int, result arbiter.Result, decision feedback.Decision) Round {
	return Round{
		Number:      number,
		Opinions:    result.Opinions,
		Arbitration: result,
		Decision:    decision.Outcome,
		Progression: result.Progression,
		CompletedAt: time.Now(),
	}
}

const reportRule = "----------------------------------------------------------------------"

// Render produces the human-readable council report for a round.
func (r Round) Render() string {
	var b strings.Builder

	b.WriteString("======================================================================\n")
	b.WriteString("COUNCIL REVIEW REPORT")
	fmt.Fprintf(&b, " (round %d)\n", r.Number)
	b.WriteString("======================================================================\n\n")

	b.WriteString("INDIVIDUAL REVIEWS:\n")
	b.WriteString(reportRule + "\n")
	fmt.Fprintf(&b, "%-15s %-24s %-8s %s\n", "Reviewer", "Model", "Score", "Concerns")
	b.WriteString(reportRule + "\n")
	for _, op := range r.Opinions.Opinions {
		fmt.Fprintf(&b, "%-15s %-24s %3d/100  %d\n", op.ReviewerID, op.Model, op.Score, len(op.Concerns))
	}
	for _, miss := range r.Opinions.Missing {
		fmt.Fprintf(&b, "%-15s %-24s %8s %s\n", miss.ReviewerID, "-", "missing", miss.Reason)
	}
	b.WriteString(reportRule + "\n\n")

	b.WriteString("DETAILED OPINIONS:\n")
	b.WriteString(reportRule + "\n")
	for _, op := range r.Opinions.Opinions {
		fmt.Fprintf(&b, "\n%s:\n", op.ReviewerID)
		fmt.Fprintf(&b, "  Score: %d/100\n", op.Score)
		fmt.Fprintf(&b, "  Rationale: %s\n", op.Rationale)
		if len(op.Concerns) > 0 {
			fmt.Fprintf(&b, "  Concerns: %s\n", strings.Join(op.Concerns, ", "))
		} else {
			b.WriteString("  Concerns: None\n")
		}
	}

	b.WriteString("\n" + reportRule + "\n")
	b.WriteString("FINAL ARBITRATION:\n")
	b.WriteString(reportRule + "\n")
	fmt.Fprintf(&b, "Final Score: %d/100\n", r.Arbitration.FinalScore)
	fmt.Fprintf(&b, "Progression: %s\n", r.Progression)
	fmt.Fprintf(&b, "Decision: %s\n", r.Decision)
	fmt.Fprintf(&b, "Rationale: %s\n", r.Arbitration.Rationale)
	b.WriteString("======================================================================\n")

	return b.String()
}
