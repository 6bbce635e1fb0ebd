package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/factoryd/internal/pipeline"
)

const (
	specSystemPrompt = "You are a meticulous product owner. Produce precise, testable specifications."
	envSystemPrompt  = "You are a Tech Lead. Output only PROD or DEV."
	codeSystemPrompt = "You are a senior developer. Return only code, no commentary."

	// specExcerptLimit bounds how much specification text goes into the
	// environment classification prompt.
	specExcerptLimit = 500
)

// systemPrompt returns the system message for a role.
func systemPrompt(role pipeline.Role) (string, error) {
	switch role {
	case pipeline.RoleSpecification:
		return specSystemPrompt, nil
	case pipeline.RoleEnvironment:
		return envSystemPrompt, nil
	case pipeline.RoleImplementation:
		return codeSystemPrompt, nil
	default:
		return "", fmt.Errorf("no prompt for role %q", role)
	}
}

// userPrompt builds the user message for a request.
func userPrompt(req pipeline.GenerateRequest) (string, error) {
	switch req.Role {
	case pipeline.RoleSpecification:
		return fmt.Sprintf("Generate a strict SPEC.md for this request: %s", req.Task), nil

	case pipeline.RoleEnvironment:
		excerpt := truncate(req.Specification, specExcerptLimit)
		return fmt.Sprintf(
			"Is this specification describing a Production Service or a Prototype? "+
				"Return ONLY 'PROD' or 'DEV'.\n\nSPEC EXCERPT:\n%s", excerpt), nil

	case pipeline.RoleImplementation:
		if req.Mode == pipeline.ModeRevision {
			return revisionPrompt(req), nil
		}
		return initialPrompt(req), nil

	default:
		return "", fmt.Errorf("no prompt for role %q", req.Role)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func initialPrompt(req pipeline.GenerateRequest) string {
	var b strings.Builder
	b.WriteString("Write the complete Python code for the following specification. ")
	b.WriteString("Return ONLY the code, no markdown.\n\nSPEC:\n")
	b.WriteString(req.Specification)
	if req.MemoryContext != "" {
		b.WriteString("\n\n")
		b.WriteString(req.MemoryContext)
	}
	return b.String()
}

func revisionPrompt(req pipeline.GenerateRequest) string {
	var b strings.Builder
	b.WriteString("Revise the following code to address every review concern. ")
	b.WriteString("Return ONLY the corrected code, no markdown.\n\nSPEC:\n")
	b.WriteString(req.Specification)
	b.WriteString("\n\nPREVIOUS CODE:\n")
	b.WriteString(req.PreviousArtifact)
	b.WriteString("\n\n")
	b.WriteString(req.Feedback)
	if req.MemoryContext != "" {
		b.WriteString("\n\n")
		b.WriteString(req.MemoryContext)
	}
	return b.String()
}
