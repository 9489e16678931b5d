package domain

import (
	"fmt"
	"sort"
	"strings"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateOverdue  State = "overdue"
	StateMissed   State = "missed"
	StateFinished State = "finished"
	StateFailed   State = "failed"
	StateNonstart State = "nonstart"
)

// AllStates lists every known state in lifecycle order.
var AllStates = []State{
	StatePending,
	StateRunning,
	StateOverdue,
	StateMissed,
	StateFinished,
	StateFailed,
	StateNonstart,
}

func (s State) String() string { return string(s) }

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, k := range AllStates {
		if s == k {
			return true
		}
	}
	return false
}

// ParseState accepts a state name in any case.
func ParseState(raw string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// Transitions is the run state graph as data: Transitions[from] lists every
// state reachable from "from" in one step. A state with no entry is terminal.
//
// The table is deliberately replaceable (config "transitions") so the policy
// can be widened without touching the engine.
type Transitions map[State][]State

// DefaultTransitions is the minimum graph:
//
//	pending  -> running, missed
//	running  -> overdue, finished, failed
//	overdue  -> missed
//
// nonstart, missed, finished and failed are terminal.
func DefaultTransitions() Transitions {
	return Transitions{
		StatePending: {StateRunning, StateMissed},
		StateRunning: {StateOverdue, StateFinished, StateFailed},
		StateOverdue: {StateMissed},
	}
}

// Valid is total over every (from, to) pair. Staying in the same state is not
// a transition and is always allowed; unknown states never are.
func (t Transitions) Valid(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if t.Terminal(from) {
		return false
	}
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s. Nonstart is always terminal.
func (t Transitions) Terminal(s State) bool {
	if s == StateNonstart {
		return true
	}
	return len(t[s]) == 0
}

// Validate rejects tables that name unknown states or that lead into
// nonstart (reachable only at creation).
func (t Transitions) Validate() error {
	for from, tos := range t {
		if !from.Valid() {
			return fmt.Errorf("transitions: unknown state %q", from)
		}
		if from == StateNonstart && len(tos) > 0 {
			return fmt.Errorf("transitions: nonstart is terminal")
		}
		for _, to := range tos {
			if !to.Valid() {
				return fmt.Errorf("transitions: %s -> unknown state %q", from, to)
			}
			if to == StateNonstart {
				return fmt.Errorf("transitions: %s -> nonstart is not allowed", from)
			}
		}
	}
	return nil
}

// ParseTransitions converts a config map (state name -> list of names).
// An empty map yields the default table.
func ParseTransitions(raw map[string][]string) (Transitions, error) {
	if len(raw) == 0 {
		return DefaultTransitions(), nil
	}
	t := Transitions{}
	for from, tos := range raw {
		f, err := ParseState(from)
		if err != nil {
			return nil, err
		}
		for _, to := range tos {
			s, err := ParseState(to)
			if err != nil {
				return nil, err
			}
			t[f] = append(t[f], s)
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// String renders the table in a stable order (for logs).
func (t Transitions) String() string {
	froms := make([]string, 0, len(t))
	for f := range t {
		froms = append(froms, string(f))
	}
	sort.Strings(froms)
	var b strings.Builder
	for i, f := range froms {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f)
		b.WriteString("->")
		for j, to := range t[State(f)] {
			if j > 0 {
				b.WriteString(",")
			}
			b.WriteString(string(to))
		}
	}
	return b.String()
}
