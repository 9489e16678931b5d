package storage

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"runsched/internal/domain"
)

// runColumns is shared by the SQL drivers; both scan in this order.
const runColumns = `id, uuid, task_id, participant, anytime, exclusive, start_ns, end_ns, state,
	errors, status, result, participant_data, participant_data_full, result_full, result_merged,
	created_ns, updated_ns`

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func questionMark(int) string { return "?" }
func dollar(n int) string     { return "$" + strconv.Itoa(n) }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromNS(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func rawOrNil(b []byte) any { return nullStr(string(b)) }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// buildRunFilter returns the WHERE/ORDER/LIMIT tail and its args.
func buildRunFilter(f RunFilter, ph placeholder) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", ph(len(args)), 1))
	}
	if f.TaskID != "" {
		add("task_id = ?", f.TaskID)
	}
	if len(f.States) > 0 {
		parts := make([]string, 0, len(f.States))
		for _, s := range f.States {
			args = append(args, string(s))
			parts = append(parts, ph(len(args)))
		}
		where = append(where, "state IN ("+strings.Join(parts, ", ")+")")
	}
	if !f.StartBefore.IsZero() {
		add("start_ns < ?", f.StartBefore.UnixNano())
	}
	if !f.EndBefore.IsZero() {
		add("end_ns < ?", f.EndBefore.UnixNano())
	}
	if !f.EndAfter.IsZero() {
		add("end_ns > ?", f.EndAfter.UnixNano())
	}

	var b strings.Builder
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY start_ns, id")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(f.Limit))
	}
	return b.String(), args
}

// runRow is the nullable scan target for one run.
type runRow struct {
	id                                      int64
	uuid                                    *string
	taskID                                  string
	participant                             int
	anytime, exclusive                      int
	startNS, endNS                          int64
	state                                   string
	errors                                  *string
	status                                  *int64
	result, pData, pDataFull, rFull, rMerge *string
	createdNS, updatedNS                    int64
}

func (r *runRow) dest() []any {
	return []any{
		&r.id, &r.uuid, &r.taskID, &r.participant, &r.anytime, &r.exclusive, &r.startNS, &r.endNS, &r.state,
		&r.errors, &r.status, &r.result, &r.pData, &r.pDataFull, &r.rFull, &r.rMerge,
		&r.createdNS, &r.updatedNS,
	}
}

func (r *runRow) run() domain.Run {
	out := domain.Run{
		ID:          r.id,
		TaskID:      r.taskID,
		Participant: r.participant,
		Class:       domain.SchedulingClass{Anytime: r.anytime != 0, Exclusive: r.exclusive != 0},
		Range:       domain.TimeRange{Start: fromNS(r.startNS), End: fromNS(r.endNS)},
		State:       domain.State(r.state),
		Created:     fromNS(r.createdNS),
		Updated:     fromNS(r.updatedNS),

		LocalResult:         rawPtr(r.result),
		ParticipantData:     rawPtr(r.pData),
		ParticipantDataFull: rawPtr(r.pDataFull),
		ResultFull:          rawPtr(r.rFull),
		ResultMerged:        rawPtr(r.rMerge),
	}
	if r.uuid != nil {
		out.ExternalID = *r.uuid
	}
	if r.errors != nil {
		out.Errors = *r.errors
	}
	if r.status != nil {
		v := int(*r.status)
		out.Status = &v
	}
	return out
}

// runArgs are the mutable + identity columns in runColumns order, minus id.
func runArgs(r domain.Run) []any {
	var status any
	if r.Status != nil {
		status = int64(*r.Status)
	}
	return []any{
		nullStr(r.ExternalID), r.TaskID, r.Participant, boolInt(r.Class.Anytime), boolInt(r.Class.Exclusive),
		r.Range.Start.UnixNano(), r.Range.End.UnixNano(), string(r.State),
		nullStr(r.Errors), status, rawOrNil(r.LocalResult), rawOrNil(r.ParticipantData),
		rawOrNil(r.ParticipantDataFull), rawOrNil(r.ResultFull), rawOrNil(r.ResultMerged),
		r.Created.UnixNano(), r.Updated.UnixNano(),
	}
}

func rawPtr(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}
