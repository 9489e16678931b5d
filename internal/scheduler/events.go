package scheduler

import (
	"runsched/internal/domain"
	"runsched/internal/eventbus"
)

// emit publishes run.changed, preceded by run.result_available when a merge
// completed in the same commit.
func (s *Service) emit(r domain.Run, resultAvailable bool) {
	if s.bus == nil {
		return
	}
	data := eventbus.RunEvent{
		RunID:      r.ID,
		ExternalID: r.ExternalID,
		TaskID:     r.TaskID,
		State:      r.State.String(),
	}
	at := s.now()
	if resultAvailable {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunResultAvailable, Time: at, Data: data})
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunChanged, Time: at, Data: data})
}
