package scheduler

import "time"

// Snapshot is a point-in-time view used by health endpoints.
type Snapshot struct {
	IndexEntries int           `json:"index_entries"`
	RunsLocked   int           `json:"runs_locked"`
	Horizon      time.Duration `json:"horizon"`
	Sweeps       uint64        `json:"sweeps"`
	Defects      uint64        `json:"defects"`
	LastSweep    SweepResult   `json:"last_sweep"`
}

func (s *Service) Snapshot() Snapshot {
	s.imu.Lock()
	n := s.index.Len()
	s.imu.Unlock()

	s.smu.Lock()
	defer s.smu.Unlock()
	return Snapshot{
		IndexEntries: n,
		RunsLocked:   s.locks.held(),
		Horizon:      s.config().Horizon,
		Sweeps:       s.sweeps,
		Defects:      s.defects,
		LastSweep:    s.lastSweep,
	}
}
