package tasklet

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// snapshotPayload is the wire form of a serialized tasklet. Exported fields
// only; gob is the codec.
type snapshotPayload struct {
	Callable       string
	Args           []any
	State          uint32
	RecursionDepth int32
	Atomic         bool
	IgnoreNesting  bool
	BlockTrap      bool
}

func init() {
	// Concrete types commonly carried in Args need registration for gob to
	// round-trip them through the []any slots.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register(float64(0))
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
}

// Snapshot serializes the tasklet so it can be reconstructed later with
// [Scheduler.Restore], including in another process. Only a tasklet that has
// not yet started, or one in the Paused state, can be snapshotted; its
// callable must have been registered via [RegisterCallable].
//
// A restored tasklet re-runs its callable from the start: the snapshot
// captures the tasklet's identity and flags, not a mid-execution stack.
// Callables that must resume mid-work should carry their progress in Args or
// external state.
func (t *Tasklet) Snapshot() ([]byte, error) {
	s := t.scheduler
	s.mu.Lock()
	started := t.ctx != nil && t.ctx.started
	st := t.state.Load()
	s.mu.Unlock()

	var recorded TaskletState
	switch {
	case !started && st != StateDead:
		recorded = StateNew
	case st == StatePaused:
		recorded = StatePaused
	default:
		return nil, fmt.Errorf("%w: state %s", ErrNotSnapshottable, st)
	}

	name, ok := callableName(t.fn)
	if !ok {
		return nil, fmt.Errorf("%w: register it with RegisterCallable", ErrUnregisteredCallable)
	}

	p := snapshotPayload{
		Callable:       name,
		Args:           t.args,
		State:          uint32(recorded),
		RecursionDepth: t.recursionDepth.Load(),
		Atomic:         t.atomicFlag.Load(),
		IgnoreNesting:  t.ignoreNesting.Load(),
		BlockTrap:      t.blockTrap.Load(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		return nil, fmt.Errorf("tasklet: snapshot encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore reconstructs a tasklet from a [Tasklet.Snapshot] payload, binding
// it to this scheduler. The tasklet is not inserted into the run queue; call
// [Tasklet.Insert] to schedule it. The callable named in the payload must be
// registered via [RegisterCallable] in this process.
func (s *Scheduler) Restore(data []byte) (*Tasklet, error) {
	var p snapshotPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, fmt.Errorf("tasklet: snapshot decode: %w", err)
	}
	fn, ok := callableByName(p.Callable)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCallable, p.Callable)
	}
	st := TaskletState(p.State)
	if st != StateNew && st != StatePaused {
		return nil, fmt.Errorf("%w: state %s", ErrNotSnapshottable, st)
	}
	t := &Tasklet{scheduler: s, fn: fn, args: p.Args, id: taskletIDCounter.Add(1)}
	t.budget.Store(noBudget)
	t.state.Store(st)
	t.recursionDepth.Store(p.RecursionDepth)
	t.atomicFlag.Store(p.Atomic)
	t.ignoreNesting.Store(p.IgnoreNesting)
	t.blockTrap.Store(p.BlockTrap)
	s.logger.Debug().
		Uint64("scheduler", s.id).
		Uint64("tasklet", t.id).
		Str("callable", p.Callable).
		Log("tasklet restored")
	return t, nil
}
