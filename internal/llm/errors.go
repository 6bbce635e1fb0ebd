package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a provider failure for retry purposes.
type Kind int

const (
	// KindTransient marks failures worth one retry: rate limits, timeouts,
	// provider overload.
	KindTransient Kind = iota + 1

	// KindFatal marks failures a retry cannot fix: bad credentials, invalid
	// requests, malformed responses.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every provider call. It carries the
// provider and agent identity for logs, and implements Transient() so the
// review aggregator can decide whether to retry without knowing about this
// package.
type Error struct {
	Kind     Kind
	Provider string
	Agent    string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s call for agent %q failed (%s): %v", e.Provider, e.Agent, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying once.
func (e *Error) Transient() bool { return e.Kind == KindTransient }

// wrapErr classifies a raw provider error. Deadline expiry, network errors,
// and throttling responses are transient; everything else is fatal. Provider
// SDKs surface HTTP status in the message, so classification falls back to
// message inspection here at the boundary and nowhere else.
func wrapErr(provider, agent string, err error) *Error {
	return &Error{Kind: classify(err), Provider: provider, Agent: agent, Err: err}
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "rate_limit",
		"500", "502", "503", "504",
		"timeout", "timed out",
		"overloaded", "unavailable", "connection refused", "connection reset",
	} {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}
	return KindFatal
}
