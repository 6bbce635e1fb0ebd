package llm

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// ErrNoScore is returned when a reviewer response has no parseable
// SCORE: line. The caller treats this as a missing opinion rather than
// fabricating a score.
var ErrNoScore = errors.New("response contains no parseable score")

// extractScore finds the SCORE: (or FINAL_SCORE:) line and returns its
// integer, clamped to [0,100]. Out-of-range numbers are clamped, matching
// how reviewers occasionally answer "105" or "-5"; a missing line is an
// error.
func extractScore(response string) (int, error) {
	for _, line := range strings.Split(response, "\n") {
		upper := strings.ToUpper(line)
		if !strings.Contains(upper, "SCORE:") {
			continue
		}
		digits := firstNumber(line)
		if digits == "" {
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		if n < 0 {
			n = 0
		}
		if n > 100 {
			n = 100
		}
		return n, nil
	}
	return 0, ErrNoScore
}

// extractReasoning returns the REASONING: text, following continuation lines
// until the next FIELD: header. Falls back to the first substantial line.
func extractReasoning(response string) string {
	lines := strings.Split(response, "\n")
	for i, line := range lines {
		if !strings.Contains(strings.ToUpper(line), "REASONING:") {
			continue
		}
		_, after, _ := strings.Cut(line, ":")
		parts := []string{strings.TrimSpace(after)}
		for _, next := range lines[i+1:] {
			if isFieldHeader(next) {
				break
			}
			if trimmed := strings.TrimSpace(next); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}

	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); len(trimmed) > 20 {
			if len(trimmed) > 200 {
				trimmed = trimmed[:200]
			}
			return trimmed
		}
	}
	return "No reasoning provided"
}

// extractConcerns returns the comma-separated CONCERNS: list. "None" and a
// missing line both yield an empty list.
func extractConcerns(response string) []string {
	for _, line := range strings.Split(response, "\n") {
		if !strings.Contains(strings.ToUpper(line), "CONCERNS:") {
			continue
		}
		_, after, _ := strings.Cut(line, ":")
		text := strings.TrimSpace(after)
		if text == "" || strings.EqualFold(text, "none") {
			return nil
		}
		var concerns []string
		for _, c := range strings.Split(text, ",") {
			if c = strings.TrimSpace(c); c != "" {
				concerns = append(concerns, c)
			}
		}
		return concerns
	}
	return nil
}

// isFieldHeader reports whether a line looks like "FIELD: ...".
func isFieldHeader(line string) bool {
	head, _, found := strings.Cut(line, ":")
	if !found {
		return false
	}
	head = strings.TrimSpace(head)
	if head == "" {
		return false
	}
	for _, r := range head {
		if !unicode.IsUpper(r) && r != '_' {
			return false
		}
	}
	return true
}

// firstNumber returns the first contiguous digit run in s, so "SCORE: 85/100"
// parses as 85.
func firstNumber(s string) string {
	start := -1
	for i, r := range s {
		if unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return s[start:i]
		}
	}
	if start >= 0 {
		return s[start:]
	}
	return ""
}
