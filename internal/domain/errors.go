package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrHorizonExceeded        = errors.New("horizon exceeded")
	ErrUnknownTask            = errors.New("unknown task")
	ErrUnknownRun             = errors.New("unknown run")
	ErrSchedulingConflict     = errors.New("scheduling conflict")
	ErrInvalidUUIDAssignment  = errors.New("invalid uuid assignment")
	ErrImmutableFieldChanged  = errors.New("immutable field changed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCalloutFailure         = errors.New("callout failure")
	ErrFutureStateChange      = errors.New("state change in the future")
	ErrInvalidInput           = errors.New("invalid input")
)

// Kind classifies an error returned by the engine.
type Kind int

const (
	KindUnknown Kind = iota
	KindHorizonExceeded
	KindUnknownTask
	KindUnknownRun
	KindSchedulingConflict
	KindInvalidUUIDAssignment
	KindImmutableFieldChanged
	KindInvalidStateTransition
	KindCalloutFailure
	KindFutureStateChange
	KindInvalidInput
)

var kindNames = map[Kind]string{
	KindUnknown:                "internal",
	KindHorizonExceeded:        "horizon_exceeded",
	KindUnknownTask:            "unknown_task",
	KindUnknownRun:             "unknown_run",
	KindSchedulingConflict:     "scheduling_conflict",
	KindInvalidUUIDAssignment:  "invalid_uuid_assignment",
	KindImmutableFieldChanged:  "immutable_field_changed",
	KindInvalidStateTransition: "invalid_state_transition",
	KindCalloutFailure:         "callout_failure",
	KindFutureStateChange:      "future_state_change",
	KindInvalidInput:           "invalid_input",
}

func (k Kind) String() string { return kindNames[k] }

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindHorizonExceeded, ErrHorizonExceeded},
	{KindUnknownTask, ErrUnknownTask},
	{KindUnknownRun, ErrUnknownRun},
	{KindSchedulingConflict, ErrSchedulingConflict},
	{KindInvalidUUIDAssignment, ErrInvalidUUIDAssignment},
	{KindImmutableFieldChanged, ErrImmutableFieldChanged},
	{KindInvalidStateTransition, ErrInvalidStateTransition},
	{KindCalloutFailure, ErrCalloutFailure},
	{KindFutureStateChange, ErrFutureStateChange},
	{KindInvalidInput, ErrInvalidInput},
}

// KindOf returns the kind of err, or KindUnknown for infrastructure errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindUnknown
}

// CalloutError wraps the diagnostic returned by a tool callout.
type CalloutError struct {
	Tool       string
	Op         string
	Diagnostic string
	Err        error
}

func (e *CalloutError) Error() string {
	var b strings.Builder
	b.WriteString("callout ")
	b.WriteString(e.Tool)
	if e.Op != "" {
		b.WriteString("/")
		b.WriteString(e.Op)
	}
	b.WriteString(" failed")
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CalloutError) Unwrap() error { return e.Err }

// Is makes every CalloutError match ErrCalloutFailure.
func (e *CalloutError) Is(target error) bool { return target == ErrCalloutFailure }

// Errorf wraps a sentinel with a formatted detail.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
