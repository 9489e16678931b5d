// Package domain holds the run scheduling model: tasks, runs, the state
// graph and the error kinds shared by every layer.
package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// TimeRange is the half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }

// Overlaps reports whether two half-open ranges share any instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// SchedulingClass controls conflict checking. Anytime runs are exempt;
// exclusive runs cannot overlap any other non-exempt run.
type SchedulingClass struct {
	Anytime   bool `json:"anytime"`
	Exclusive bool `json:"exclusive"`
}

// Task is owned by the registry. The scheduler only reads it, apart from
// the run counter bumped on admission.
type Task struct {
	ID          string          `json:"id"`
	Participant int             `json:"participant"`
	Duration    time.Duration   `json:"duration"`
	Class       SchedulingClass `json:"class"`
	Tool        string          `json:"tool"`
	Test        json.RawMessage `json:"test,omitempty"`
	RunCount    int64           `json:"run_count"`
	Created     time.Time       `json:"created"`
}

// Lead reports whether this participant assigns external ids.
func (t Task) Lead() bool { return t.Participant == 0 }

// Run is one scheduled execution of a task by one participant.
type Run struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"uuid"`
	TaskID     string `json:"task"`

	// Participant and Class are copied from the task at admission so the
	// interval index can be rebuilt from runs alone.
	Participant int             `json:"participant"`
	Class       SchedulingClass `json:"class"`

	Range TimeRange `json:"range"`
	State State     `json:"state"`

	Errors      string          `json:"errors,omitempty"`
	Status      *int            `json:"status,omitempty"`
	LocalResult json.RawMessage `json:"result,omitempty"`

	ParticipantData     json.RawMessage `json:"participant_data,omitempty"`
	ParticipantDataFull json.RawMessage `json:"participant_data_full,omitempty"`
	ResultFull          json.RawMessage `json:"result_full,omitempty"`
	ResultMerged        json.RawMessage `json:"result_merged,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Indexed reports whether the run takes part in conflict checking.
func (r Run) Indexed() bool {
	return r.State != StateNonstart && !r.Class.Anytime
}

// Clone returns a deep copy so callers can mutate it freely.
func (r Run) Clone() Run {
	c := r
	if r.Status != nil {
		v := *r.Status
		c.Status = &v
	}
	c.LocalResult = cloneJSON(r.LocalResult)
	c.ParticipantData = cloneJSON(r.ParticipantData)
	c.ParticipantDataFull = cloneJSON(r.ParticipantDataFull)
	c.ResultFull = cloneJSON(r.ResultFull)
	c.ResultMerged = cloneJSON(r.ResultMerged)
	return c
}

// OptionalJSON is a tri-state patch field: untouched, set, or cleared
// (Set with a nil/null Value).
type OptionalJSON struct {
	Set   bool
	Value json.RawMessage
}

// SetJSON returns a patch value that stores v.
func SetJSON(v json.RawMessage) OptionalJSON { return OptionalJSON{Set: true, Value: v} }

// ClearJSON returns a patch value that removes the field.
func ClearJSON() OptionalJSON { return OptionalJSON{Set: true} }

// Cleared reports whether the patch removes the field.
func (o OptionalJSON) Cleared() bool { return o.Set && IsAbsentJSON(o.Value) }

func (o *OptionalJSON) UnmarshalJSON(b []byte) error {
	o.Set = true
	if IsAbsentJSON(b) {
		o.Value = nil
		return nil
	}
	o.Value = cloneJSON(b)
	return nil
}

// Patch is a caller-driven update. Nil pointers and unset OptionalJSON
// fields leave the stored value untouched.
type Patch struct {
	Start      *time.Time
	End        *time.Time
	ExternalID *string
	State      *State
	Status     *int

	LocalResult         OptionalJSON
	ParticipantDataFull OptionalJSON
	ResultFull          OptionalJSON
}

// IsAbsentJSON treats empty input and JSON null as "no value".
func IsAbsentJSON(b []byte) bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// EqualJSON compares two documents ignoring insignificant whitespace.
// Absent and null are equal to each other.
func EqualJSON(a, b json.RawMessage) bool {
	if IsAbsentJSON(a) || IsAbsentJSON(b) {
		return IsAbsentJSON(a) == IsAbsentJSON(b)
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func cloneJSON(b []byte) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
