// Package callout invokes the per-tool procedures the scheduler depends on:
// participant-data at admission and merged-results when the lead posts a
// full result set.
//
// A Runner does the actual work (an executable in the tool directory, or a
// builtin); the Executor bounds every call with a timeout, a concurrency
// permit and a per-tool circuit breaker, and turns every failure into a
// *domain.CalloutError carrying the tool's diagnostic. Nothing is retried
// here; retry policy belongs to the caller.
package callout

import (
	"context"
	"encoding/json"
)

const (
	OpParticipantData = "participant-data"
	OpMergedResults   = "merged-results"
)

// Runner computes tool-specific data.
type Runner interface {
	ParticipantData(ctx context.Context, tool string, participant int, test json.RawMessage) (json.RawMessage, error)
	MergedResults(ctx context.Context, tool string, test, results json.RawMessage) (json.RawMessage, error)
}

// ParticipantDataInput is the document a tool receives on stdin for
// participant-data.
type ParticipantDataInput struct {
	Participant int             `json:"participant"`
	Test        json.RawMessage `json:"test"`
}

// MergedResultsInput is the document a tool receives on stdin for
// merged-results.
type MergedResultsInput struct {
	Test    json.RawMessage `json:"test"`
	Results json.RawMessage `json:"results"`
}

// DiagnosticError carries the tool's own failure text.
type DiagnosticError struct {
	Diagnostic string
	Err        error
}

func (e *DiagnosticError) Error() string {
	if e.Diagnostic != "" {
		return e.Diagnostic
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "tool failed"
}

func (e *DiagnosticError) Unwrap() error { return e.Err }
