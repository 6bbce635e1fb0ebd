// Package pipeline owns the factory state machine: a single strongly-typed
// state record threaded through Specification, Setup, Implementation, Review,
// Arbitration, and Decision stages, with a bounded feedback loop back to
// Implementation on rejection.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/factoryd/internal/feedback"
	"github.com/fyrsmithlabs/factoryd/internal/report"
)

// Status is the pipeline lifecycle state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusInReview      Status = "in_review"
	StatusApproved      Status = "approved"
	StatusRejectedRetry Status = "rejected_retry"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further transitions may leave this status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusFailed
}

// Usage accumulates token accounting across provider calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// State is the single mutable record owned by the orchestrator. Stages never
// mutate it directly; they return a Delta merged through Apply, which is the
// only write path and enforces every invariant.
type State struct {
	RunID           string               `json:"run_id"`
	TaskDescription string               `json:"task_description"`
	Environment     feedback.Environment `json:"environment,omitempty"`

	Specification    string `json:"specification,omitempty"`
	Artifact         string `json:"artifact,omitempty"`
	PreviousArtifact string `json:"previous_artifact,omitempty"`
	MemoryContext    string `json:"memory_context,omitempty"`

	LoopCount      int                `json:"loop_count"`
	MaxLoops       int                `json:"max_loops"`
	OpinionHistory []report.Round     `json:"opinion_history,omitempty"`
	FinalScore     *int               `json:"final_score,omitempty"`
	Concerns       []feedback.Concern `json:"concerns,omitempty"`

	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Usage         Usage     `json:"usage"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

// NewState creates a fresh pipeline state for a task.
func NewState(task string, maxLoops int) *State {
	return &State{
		RunID:           uuid.NewString(),
		TaskDescription: task,
		LoopCount:       0,
		MaxLoops:        maxLoops,
		Status:          StatusPending,
		StartedAt:       time.Now(),
	}
}

// Delta is a stage's proposed state change. Nil pointer fields are left
// untouched; Apply validates the populated ones as a unit.
type Delta struct {
	Specification *string
	Environment   *feedback.Environment
	MemoryContext *string

	// Artifact replaces the current artifact; the old value is snapshotted
	// into PreviousArtifact automatically.
	Artifact *string

	Status        *Status
	FailureReason *string
	FinalScore    *int

	// AppendRound appends one round to the opinion history (append-only).
	AppendRound *report.Round

	// IncrementLoop advances the feedback loop counter by exactly one.
	IncrementLoop bool

	// SetConcerns replaces the unresolved concern list when non-nil.
	SetConcerns []feedback.Concern

	// Usage is added to the cumulative accounting.
	Usage Usage
}

var (
	// ErrTerminalState rejects writes to an APPROVED or FAILED pipeline.
	ErrTerminalState = errors.New("pipeline is in a terminal state")

	// ErrSpecRewrite rejects a second specification write.
	ErrSpecRewrite = errors.New("specification is write-once")

	// ErrLoopBound rejects loop increments past the configured bound.
	ErrLoopBound = errors.New("loop count would exceed bound")
)

// Apply merges a delta into the state, enforcing invariants:
//
//   - terminal states accept no further writes
//   - the specification is written at most once per run
//   - the loop counter only grows, and never past MaxLoops
//   - scores stay within [0,100]
//
// On error the state is left unchanged.
func (s *State) Apply(d Delta) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, s.Status)
	}
	if d.Specification != nil && s.Specification != "" {
		return ErrSpecRewrite
	}
	if d.IncrementLoop && s.LoopCount+1 > s.MaxLoops {
		return fmt.Errorf("%w: %d+1 > %d", ErrLoopBound, s.LoopCount, s.MaxLoops)
	}
	if d.FinalScore != nil && (*d.FinalScore < 0 || *d.FinalScore > 100) {
		return fmt.Errorf("final score out of range: %d", *d.FinalScore)
	}
	if d.Status != nil {
		if err := s.validTransition(*d.Status); err != nil {
			return err
		}
	}

	if d.Specification != nil {
		s.Specification = *d.Specification
	}
	if d.Environment != nil {
		s.Environment = *d.Environment
	}
	if d.MemoryContext != nil {
		s.MemoryContext = *d.MemoryContext
	}
	if d.Artifact != nil {
		s.PreviousArtifact = s.Artifact
		s.Artifact = *d.Artifact
	}
	if d.FinalScore != nil {
		score := *d.FinalScore
		s.FinalScore = &score
	}
	if d.AppendRound != nil {
		s.OpinionHistory = append(s.OpinionHistory, *d.AppendRound)
	}
	if d.IncrementLoop {
		s.LoopCount++
	}
	if d.SetConcerns != nil {
		s.Concerns = d.SetConcerns
	}
	if d.FailureReason != nil {
		s.FailureReason = *d.FailureReason
	}
	s.Usage = s.Usage.Add(d.Usage)
	if d.Status != nil {
		s.Status = *d.Status
		if s.Status.Terminal() {
			s.CompletedAt = time.Now()
		}
	}
	return nil
}

// validTransition enforces the status graph:
//
//	PENDING -> IN_REVIEW | FAILED
//	IN_REVIEW -> APPROVED | REJECTED_RETRY | FAILED
//	REJECTED_RETRY -> IN_REVIEW | FAILED
func (s *State) validTransition(next Status) error {
	if next == s.Status {
		return nil
	}
	allowed := map[Status][]Status{
		StatusPending:       {StatusInReview, StatusFailed},
		StatusInReview:      {StatusApproved, StatusRejectedRetry, StatusFailed},
		StatusRejectedRetry: {StatusInReview, StatusFailed},
	}
	for _, ok := range allowed[s.Status] {
		if next == ok {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", s.Status, next)
}

// PreviousFinalScore returns the last round's final score, or -1 when no
// round has completed yet.
func (s *State) PreviousFinalScore() int {
	if len(s.OpinionHistory) == 0 {
		return -1
	}
	return s.OpinionHistory[len(s.OpinionHistory)-1].Arbitration.FinalScore
}
