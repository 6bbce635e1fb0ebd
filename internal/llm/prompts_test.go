package llm

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/factoryd/internal/pipeline"
	"github.com/fyrsmithlabs/factoryd/internal/review"
)

func TestReviewPrompt(t *testing.T) {
	t.Run("first round omits previous score", func(t *testing.T) {
		prompt := reviewPrompt(review.Request{
			ReviewerID:    "claude",
			Rubric:        "# SPEC",
			Artifact:      "print('v1')",
			PreviousScore: -1,
		})
		assert.Contains(t, prompt, "# SPEC")
		assert.Contains(t, prompt, "print('v1')")
		assert.NotContains(t, prompt, "PREVIOUS ROUND SCORE")
	})

	t.Run("revision round carries previous score", func(t *testing.T) {
		prompt := reviewPrompt(review.Request{
			ReviewerID:    "claude",
			Rubric:        "# SPEC",
			Artifact:      "print('v2')",
			PreviousScore: 62,
		})
		assert.Contains(t, prompt, "PREVIOUS ROUND SCORE: 62")
		assert.Contains(t, prompt, "regressions")
	})

	t.Run("zero previous score still reported", func(t *testing.T) {
		prompt := reviewPrompt(review.Request{Rubric: "r", Artifact: "a", PreviousScore: 0})
		assert.Contains(t, prompt, "PREVIOUS ROUND SCORE: 0")
	})

	t.Run("long rubric truncated on a rune boundary", func(t *testing.T) {
		rubric := strings.Repeat("héllo wörld ", 200)
		require.Greater(t, len(rubric), rubricExcerptLimit)

		prompt := reviewPrompt(review.Request{Rubric: rubric, Artifact: "a", PreviousScore: -1})
		assert.True(t, utf8.ValidString(prompt))
		assert.Less(t, len(prompt), len(rubric))
	})
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter than limit", "abc", 10, "abc"},
		{"exactly the limit", "abcde", 5, "abcde"},
		{"ascii cut", "abcdef", 3, "abc"},
		{"backs off a split two-byte rune", "aé", 2, "a"},
		{"keeps a complete two-byte rune", "aéb", 3, "aé"},
		{"backs off a split four-byte rune", "a\U0001F600", 3, "a"},
		{"empty", "", 4, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestUserPrompt_EnvironmentExcerptIsRuneSafe(t *testing.T) {
	spec := strings.Repeat("спецификация ", 100)
	require.Greater(t, len(spec), specExcerptLimit)

	prompt, err := userPrompt(pipeline.GenerateRequest{
		Role:          pipeline.RoleEnvironment,
		Specification: spec,
	})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(prompt))
}
