// Package scheduler is the admission and lifecycle engine for runs.
//
// Admit places a new run on the timeline: it checks the horizon, the
// owning task, the exclusivity rules against the interval index and the
// external id policy, calls the tool for participant data, and commits the
// run. Update applies a caller patch under a per-run lock (shorten only,
// legal transitions only, result merge on change). Sweep escalates runs
// whose participants went quiet. Every committed change is published on
// the event bus.
//
// Locking:
//   - imu guards the interval index. It is held only for in-memory
//     check-and-reserve, never across I/O.
//   - per-run locks serialize Update and Sweep on the same run. They may be
//     held across a merge callout, which stalls only that run.
package scheduler
