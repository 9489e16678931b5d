package callout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExecRunner runs <Dir>/<tool>/<op> with the request JSON on stdin. A zero
// exit status and a JSON document on stdout is success; otherwise stderr is
// the diagnostic.
type ExecRunner struct {
	Dir string
}

func (r ExecRunner) ParticipantData(ctx context.Context, tool string, participant int, test json.RawMessage) (json.RawMessage, error) {
	return r.run(ctx, tool, OpParticipantData, ParticipantDataInput{Participant: participant, Test: orNull(test)})
}

func (r ExecRunner) MergedResults(ctx context.Context, tool string, test, results json.RawMessage) (json.RawMessage, error) {
	return r.run(ctx, tool, OpMergedResults, MergedResultsInput{Test: orNull(test), Results: orNull(results)})
}

func (r ExecRunner) path(tool, op string) (string, error) {
	if strings.TrimSpace(r.Dir) == "" {
		return "", errors.New("tool directory not configured")
	}
	if tool == "" || strings.ContainsAny(tool, `/\`) || tool == "." || tool == ".." {
		return "", fmt.Errorf("invalid tool name %q", tool)
	}
	return filepath.Join(r.Dir, tool, op), nil
}

func (r ExecRunner) run(ctx context.Context, tool, op string, in any) (json.RawMessage, error) {
	p, err := r.path(tool, op)
	if err != nil {
		return nil, &DiagnosticError{Err: err}
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, &DiagnosticError{Err: err}
	}

	cmd := exec.CommandContext(ctx, p)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, &DiagnosticError{Diagnostic: "timed out", Err: ctx.Err()}
		}
		return nil, &DiagnosticError{Diagnostic: strings.TrimSpace(stderr.String()), Err: err}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, &DiagnosticError{Diagnostic: "tool returned invalid JSON"}
	}
	return json.RawMessage(out), nil
}

func orNull(b json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(b)) == 0 {
		return json.RawMessage("null")
	}
	return b
}
