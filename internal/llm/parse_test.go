package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractScore(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     int
		wantErr  bool
	}{
		{"plain", "SCORE: 85\nREASONING: solid", 85, false},
		{"lowercase field", "score: 70", 70, false},
		{"final score variant", "FINAL_SCORE: 92", 92, false},
		{"slash notation", "SCORE: 85/100", 85, false},
		{"bracketed", "SCORE: [78]", 78, false},
		{"clamped high", "SCORE: 170", 100, false},
		{"zero", "SCORE: 0", 0, false},
		{"score on later line", "Here is my review.\nSCORE: 64\nCONCERNS: None", 64, false},
		{"no score line", "This looks great, ship it!", 0, true},
		{"score line without number", "SCORE: excellent", 0, true},
		{"empty response", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractScore(tt.response)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoScore)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractReasoning(t *testing.T) {
	response := "SCORE: 80\nREASONING: The code is clean\nbut lacks tests.\nCONCERNS: no tests"
	assert.Equal(t, "The code is clean but lacks tests.", extractReasoning(response))
}

func TestExtractReasoning_Fallback(t *testing.T) {
	// No REASONING: field; the first substantial line is used.
	response := "ok\nThe implementation covers every requirement cleanly."
	assert.Equal(t, "The implementation covers every requirement cleanly.", extractReasoning(response))

	assert.Equal(t, "No reasoning provided", extractReasoning("ok"))
}

func TestExtractConcerns(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []string
	}{
		{"list", "CONCERNS: no tests, missing docs, slow query", []string{"no tests", "missing docs", "slow query"}},
		{"none literal", "CONCERNS: None", nil},
		{"none lowercase", "CONCERNS: none", nil},
		{"missing field", "SCORE: 90", nil},
		{"empty value", "CONCERNS:", nil},
		{"trailing comma", "CONCERNS: one, two,", []string{"one", "two"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractConcerns(tt.response))
		})
	}
}

func TestParseFullResponse(t *testing.T) {
	response := `SCORE: 72
REASONING: Functional but fragile under load.
CONCERNS: no retry logic, unbounded queue`

	score, err := extractScore(response)
	require.NoError(t, err)
	assert.Equal(t, 72, score)
	assert.Equal(t, "Functional but fragile under load.", extractReasoning(response))
	assert.Equal(t, []string{"no retry logic", "unbounded queue"}, extractConcerns(response))
}
