package callout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ParticipantDataFunc and MergedResultsFunc implement a tool in-process.
type ParticipantDataFunc func(ctx context.Context, participant int, test json.RawMessage) (json.RawMessage, error)
type MergedResultsFunc func(ctx context.Context, test, results json.RawMessage) (json.RawMessage, error)

// Tool is a builtin tool.
type Tool struct {
	ParticipantData ParticipantDataFunc
	MergedResults   MergedResultsFunc
}

// Registry resolves tools to builtins first and falls back to the
// exec runner (if set) for anything else.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	fallback Runner
}

// NewRegistry returns a registry with the stock builtins registered.
func NewRegistry(fallback Runner) *Registry {
	r := &Registry{tools: map[string]Tool{}, fallback: fallback}
	r.Register("passthrough", Tool{
		ParticipantData: passthroughParticipantData,
		MergedResults:   passthroughMergedResults,
	})
	return r
}

// Register adds or replaces a builtin tool.
func (r *Registry) Register(name string, t Tool) {
	r.mu.Lock()
	r.tools[name] = t
	r.mu.Unlock()
}

// Names lists the builtin tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) ParticipantData(ctx context.Context, tool string, participant int, test json.RawMessage) (json.RawMessage, error) {
	if t, ok := r.lookup(tool); ok && t.ParticipantData != nil {
		return t.ParticipantData(ctx, participant, test)
	}
	if r.fallback == nil {
		return nil, &DiagnosticError{Diagnostic: fmt.Sprintf("no such tool %q", tool)}
	}
	return r.fallback.ParticipantData(ctx, tool, participant, test)
}

func (r *Registry) MergedResults(ctx context.Context, tool string, test, results json.RawMessage) (json.RawMessage, error) {
	if t, ok := r.lookup(tool); ok && t.MergedResults != nil {
		return t.MergedResults(ctx, test, results)
	}
	if r.fallback == nil {
		return nil, &DiagnosticError{Diagnostic: fmt.Sprintf("no such tool %q", tool)}
	}
	return r.fallback.MergedResults(ctx, tool, test, results)
}

// passthrough needs no per-participant data and merges by picking the first
// non-null participant result.
func passthroughParticipantData(_ context.Context, participant int, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]int{"participant": participant})
}

func passthroughMergedResults(_ context.Context, _ json.RawMessage, results json.RawMessage) (json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(results, &list); err != nil {
		// Not a per-participant list: the full result is already merged.
		if !json.Valid(results) {
			return nil, &DiagnosticError{Diagnostic: "result is not valid JSON"}
		}
		return results, nil
	}
	for _, r := range list {
		if len(r) > 0 && string(r) != "null" {
			return r, nil
		}
	}
	return nil, &DiagnosticError{Diagnostic: "no participant produced a result"}
}
