package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestDefaultTransitionsTotal(t *testing.T) {
	t.Parallel()
	tr := DefaultTransitions()
	allowed := map[[2]State]bool{
		{StatePending, StateRunning}:  true,
		{StatePending, StateMissed}:   true,
		{StateRunning, StateOverdue}:  true,
		{StateRunning, StateFinished}: true,
		{StateRunning, StateFailed}:   true,
		{StateOverdue, StateMissed}:   true,
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := from == to || allowed[[2]State{from, to}]
			if got := tr.Valid(from, to); got != want {
				t.Fatalf("Valid(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if tr.Valid("bogus", StatePending) || tr.Valid(StatePending, "bogus") {
		t.Fatal("unknown states must never be valid")
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	t.Parallel()
	tr := DefaultTransitions()
	for _, s := range []State{StateNonstart, StateMissed, StateFinished, StateFailed} {
		if !tr.Terminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
		for _, to := range AllStates {
			if to != s && tr.Valid(s, to) {
				t.Fatalf("terminal %s must not reach %s", s, to)
			}
		}
	}
}

func TestParseTransitions(t *testing.T) {
	t.Parallel()
	tr, err := ParseTransitions(map[string][]string{
		"pending": {"running", "missed", "failed"},
		"RUNNING": {"finished"},
	})
	if err != nil {
		t.Fatalf("ParseTransitions: %v", err)
	}
	if !tr.Valid(StatePending, StateFailed) {
		t.Fatal("override edge pending->failed missing")
	}
	if tr.Valid(StateRunning, StateOverdue) {
		t.Fatal("override table should replace the default")
	}

	if _, err := ParseTransitions(map[string][]string{"pending": {"nonstart"}}); err == nil {
		t.Fatal("expected error for edge into nonstart")
	}
	if _, err := ParseTransitions(map[string][]string{"pending": {"sideways"}}); err == nil {
		t.Fatal("expected error for unknown state")
	}
	def, err := ParseTransitions(nil)
	if err != nil || !def.Valid(StateOverdue, StateMissed) {
		t.Fatalf("empty map should yield defaults, got %v (%v)", def, err)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want Kind
	}{
		{Errorf(ErrSchedulingConflict, "run %d", 7), KindSchedulingConflict},
		{fmt.Errorf("wrapped: %w", ErrHorizonExceeded), KindHorizonExceeded},
		{&CalloutError{Tool: "rtt", Op: "participant-data", Diagnostic: "boom"}, KindCalloutFailure},
		{errors.New("disk on fire"), KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Fatalf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	ce := &CalloutError{Tool: "rtt", Op: "merged-results", Diagnostic: "no results"}
	if ce.Error() != "callout rtt/merged-results failed: no results" {
		t.Fatalf("unexpected message %q", ce.Error())
	}
}

func TestEqualJSON(t *testing.T) {
	t.Parallel()
	if !EqualJSON(json.RawMessage(`{"a": 1}`), json.RawMessage(`{"a":1}`)) {
		t.Fatal("whitespace should not matter")
	}
	if EqualJSON(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)) {
		t.Fatal("different values compared equal")
	}
	if !EqualJSON(nil, json.RawMessage(`null`)) {
		t.Fatal("absent and null should compare equal")
	}
	if EqualJSON(nil, json.RawMessage(`{}`)) {
		t.Fatal("absent and {} should differ")
	}
}

func TestOptionalJSONUnmarshal(t *testing.T) {
	t.Parallel()
	var p struct {
		ResultFull OptionalJSON `json:"result_full"`
		Other      OptionalJSON `json:"other"`
	}
	if err := json.Unmarshal([]byte(`{"result_full": null}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.ResultFull.Cleared() {
		t.Fatal("explicit null should clear")
	}
	if p.Other.Set {
		t.Fatal("missing key should leave field untouched")
	}
}
