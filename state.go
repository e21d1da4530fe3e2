package tasklet

import (
	"sync/atomic"
)

// TaskletState represents the lifecycle state of a Tasklet.
//
// State machine:
//
//	New → Scheduled            [creation auto-insert, Insert]
//	Scheduled → Running        [scheduler dispatch]
//	Running → Scheduled        [Schedule]
//	Running → Paused           [ScheduleRemove, watchdog interrupt]
//	Running → Blocked          [channel send/receive without a match]
//	Running → Dead             [callable returns, uncaught injected error]
//	Paused → Scheduled         [Insert]
//	Blocked → Scheduled        [rendezvous match, error injection]
//	Scheduled → Paused         [Remove]
//	New/Scheduled → Dead       [Kill before first dispatch]
//
// Dead is terminal.
type TaskletState uint32

const (
	// StateNew indicates the tasklet has been created but never dispatched.
	StateNew TaskletState = iota
	// StateScheduled indicates the tasklet is present in a run queue.
	StateScheduled
	// StateRunning indicates the tasklet is executing right now.
	StateRunning
	// StatePaused indicates the tasklet is alive but neither scheduled nor
	// blocked, e.g. interrupted by the watchdog or explicitly removed.
	StatePaused
	// StateBlocked indicates the tasklet is parked on a channel.
	StateBlocked
	// StateDead is the terminal state.
	StateDead
)

// String returns a human-readable representation of the state.
func (s TaskletState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateScheduled:
		return "Scheduled"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateBlocked:
		return "Blocked"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// stateVar is a lock-free state holder. Transitions are performed under the
// owning scheduler's mutex; the atomic storage exists so that read-only
// inspection (Alive, Blocked, ...) is safe from any goroutine.
type stateVar struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *stateVar) Load() TaskletState {
	return TaskletState(s.v.Load())
}

// Store atomically stores a new state.
func (s *stateVar) Store(state TaskletState) {
	s.v.Store(uint32(state))
}

// runnable reports whether a state counts toward the scheduler's run count.
func runnable(s TaskletState) bool {
	return s == StateScheduled || s == StateRunning
}
