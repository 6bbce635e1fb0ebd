package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/review"
)

const judgeSystemPrompt = "You are a strict code auditor. Be thorough and critical."

// rubricExcerptLimit bounds how much of the specification goes into the
// review prompt.
const rubricExcerptLimit = 1500

const reviewPromptTemplate = `You are a strict code auditor reviewing an implementation against its specification.

SPECIFICATION (excerpt):
%s

IMPLEMENTATION:
%s

EVALUATION CRITERIA:
1. Clarity - Is the code clear and unambiguous?
2. Security - Does it address security concerns?
3. Robustness - Is it designed for reliability and edge cases?
4. Completeness - Does it cover everything the specification requires?

Provide your review in this exact format:
SCORE: [integer 0-100]
REASONING: [1-2 sentences explaining your score]
CONCERNS: [comma-separated list of specific concerns, or "None"]`

// Judge implements review.Judge over a single agent client, parsing the
// structured SCORE / REASONING / CONCERNS response format.
type Judge struct {
	client *Client
	logger *logging.Logger
}

// NewJudge wraps a client as a reviewer judge.
func NewJudge(client *Client, logger *logging.Logger) *Judge {
	return &Judge{client: client, logger: logger}
}

// JudgeLookup adapts a registry into the lookup function the review package
// uses to bind configured reviewers to agents.
func JudgeLookup(registry *Registry, logger *logging.Logger) func(agent string) (review.Judge, error) {
	return func(agent string) (review.Judge, error) {
		client, err := registry.Client(agent)
		if err != nil {
			return nil, err
		}
		return NewJudge(client, logger), nil
	}
}

// reviewPrompt renders the user message for one review. Revision rounds carry
// the previous arbitrated score so the judge can flag regressions.
func reviewPrompt(req review.Request) string {
	prompt := fmt.Sprintf(reviewPromptTemplate, truncate(req.Rubric, rubricExcerptLimit), req.Artifact)
	if req.PreviousScore >= 0 {
		prompt += fmt.Sprintf(
			"\n\nPREVIOUS ROUND SCORE: %d\nThis is a revision. Score it on its own merits and flag any regressions from the previous round.",
			req.PreviousScore)
	}
	return prompt
}

// Judge implements review.Judge. A response without a parseable score is a
// fatal error; scores are never fabricated for malformed responses.
func (j *Judge) Judge(ctx context.Context, req review.Request) (review.Opinion, error) {
	completion, err := j.client.Complete(ctx, judgeSystemPrompt, reviewPrompt(req))
	if err != nil {
		return review.Opinion{}, err
	}

	score, err := extractScore(completion.Text)
	if err != nil {
		return review.Opinion{}, &Error{
			Kind:     KindFatal,
			Provider: j.client.provider,
			Agent:    j.client.agent,
			Err:      err,
		}
	}

	return review.Opinion{
		ReviewerID: req.ReviewerID,
		Model:      j.client.modelName,
		Score:      score,
		Rationale:  extractReasoning(completion.Text),
		Concerns:   extractConcerns(completion.Text),
		CreatedAt:  time.Now(),
	}, nil
}
