package tasklet

import (
	"fmt"
	"math"
	"sync/atomic"
)

// noBudget marks the step budget as inactive.
const noBudget = math.MinInt64

// Callable is the entry function of a tasklet. The tasklet handle is the
// capability token for every suspension-point operation; args are the
// arguments the tasklet was spawned with.
//
// A non-nil returned error is an uncaught application error: it reaches the
// process-wide error handler, or failing that, propagates out of the
// scheduler call that dispatched the tasklet. Returning an error matching
// [CancellationRequested] terminates the tasklet silently.
type Callable func(t *Tasklet, args ...any) error

// Tasklet is a cooperatively scheduled unit of sequential execution. All
// methods that can switch or block must be called from the goroutine that
// drives the owning scheduler (the main tasklet's goroutine or the tasklet's
// own callable); read-only inspection is safe from any goroutine.
type Tasklet struct {
	// Prevent copying
	_ [0]func()

	scheduler *Scheduler
	fn        Callable
	args      []any

	state stateVar

	// ctx is non-nil only while alive; guarded by scheduler.mu.
	ctx *executionContext

	// pending is an injected error awaiting delivery; guarded by scheduler.mu.
	pending *AppError

	// waiter is non-nil iff parked on a channel; set and cleared under the
	// channel's mutex.
	waiter atomic.Pointer[waiter]

	budget         atomic.Int64
	recursionDepth atomic.Int32

	atomicFlag    atomic.Bool
	blockTrap     atomic.Bool
	ignoreNesting atomic.Bool

	id     uint64
	isMain bool
}

// ID returns the tasklet's process-unique identifier. The main tasklet of
// each scheduler has ID 0.
func (t *Tasklet) ID() uint64 { return t.id }

// State returns the tasklet's current lifecycle state.
func (t *Tasklet) State() TaskletState { return t.state.Load() }

// Alive reports whether the tasklet is not Dead.
func (t *Tasklet) Alive() bool { return t.state.Load() != StateDead }

// Scheduled reports whether the tasklet is present in a run queue.
func (t *Tasklet) Scheduled() bool { return t.state.Load() == StateScheduled }

// Blocked reports whether the tasklet is parked on a channel.
func (t *Tasklet) Blocked() bool { return t.state.Load() == StateBlocked }

// Paused reports whether the tasklet is alive but neither scheduled, running,
// nor blocked — e.g. interrupted by the watchdog, explicitly removed, or
// restored from a snapshot and not yet inserted.
func (t *Tasklet) Paused() bool {
	st := t.state.Load()
	return st == StatePaused || st == StateNew
}

// IsMain reports whether this is a scheduler's main tasklet.
func (t *Tasklet) IsMain() bool { return t.isMain }

// Scheduler returns the scheduler currently hosting the tasklet.
func (t *Tasklet) Scheduler() *Scheduler { return t.scheduler }

// RecursionDepth returns the count of nested dispatch frames held by the
// tasklet: 0 when freshly created, fully unwound, or dead; 1 while running or
// soft-interrupted; 2 when hard-interrupted.
func (t *Tasklet) RecursionDepth() int { return int(t.recursionDepth.Load()) }

// NestingLevel returns the tasklet's extra stack depth beyond the soft
// baseline: 0 during normal cooperative execution, positive after a hard
// switch.
func (t *Tasklet) NestingLevel() int {
	if d := t.recursionDepth.Load(); d > 1 {
		return int(d - 1)
	}
	return 0
}

// Atomic reports whether the atomic flag is set. While set, the scheduler
// will not involuntarily switch away from this tasklet.
func (t *Tasklet) Atomic() bool { return t.atomicFlag.Load() }

// SetAtomic sets the atomic flag and returns the previous value.
func (t *Tasklet) SetAtomic(v bool) bool { return t.atomicFlag.Swap(v) }

// BlockTrap reports whether the block trap is set. While set, any channel
// operation that would block this tasklet fails immediately instead.
func (t *Tasklet) BlockTrap() bool { return t.blockTrap.Load() }

// SetBlockTrap sets the block trap flag.
func (t *Tasklet) SetBlockTrap(v bool) { t.blockTrap.Store(v) }

// IgnoreNesting reports whether hard interruption is permitted even inside a
// nested dispatch.
func (t *Tasklet) IgnoreNesting() bool { return t.ignoreNesting.Load() }

// SetIgnoreNesting permits (or forbids) hard interruption inside nested
// dispatch.
func (t *Tasklet) SetIgnoreNesting(v bool) { t.ignoreNesting.Store(v) }

// mainLoop is the body of the tasklet goroutine: wait for the first dispatch,
// run the callable, and hand the outcome back to the scheduler.
func (t *Tasklet) mainLoop() {
	act := <-t.ctx.resume
	t.recursionDepth.Store(1)
	var err error
	if act.err != nil {
		err = act.err
	} else {
		err = t.invoke()
	}
	t.ctx.yield <- yieldResult{kind: yieldDead, err: err}
}

// invoke runs the callable, converting panics into application errors so a
// crashing tasklet cannot take down the scheduler goroutine.
func (t *Tasklet) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *AppError:
				err = v
			case error:
				err = panicErrorKind.New(v.Error())
			default:
				err = panicErrorKind.New(fmt.Sprint(v))
			}
		}
	}()
	return t.fn(t, t.args...)
}

// takePending consumes the tasklet's pending injected error, if any.
func (t *Tasklet) takePending() error {
	s := t.scheduler
	s.mu.Lock()
	p := t.pending
	t.pending = nil
	s.mu.Unlock()
	if p != nil {
		return p
	}
	return nil
}

// Step is the watchdog checkpoint: the running callable calls it at points
// where interruption is safe. Each call consumes one unit of an active
// [Scheduler.RunSteps] budget; once the budget is exhausted the tasklet is
// interrupted here and left Paused. Step is also a delivery point for
// injected errors. Without an active budget or pending injection it is a
// cheap no-op.
func (t *Tasklet) Step() error {
	if err := t.takePending(); err != nil {
		return err
	}
	if t.isMain || t.state.Load() != StateRunning {
		return nil
	}
	if t.budget.Load() == noBudget {
		return nil
	}
	if t.budget.Add(-1) > 0 {
		return nil
	}
	if t.atomicFlag.Load() {
		// atomic section: decline to interrupt, re-arm for the next step
		t.budget.Store(1)
		return nil
	}
	s := t.scheduler
	if s.SoftSwitchEnabled() {
		t.recursionDepth.Store(1)
	} else {
		if !t.ignoreNesting.Load() {
			// hard interruption requires the ignore-nesting opt-in
			t.budget.Store(1)
			return nil
		}
		t.recursionDepth.Store(2)
	}
	act := t.ctx.suspend(yieldResult{kind: yieldPause, interrupted: true})
	t.recursionDepth.Store(1)
	if act.err != nil {
		return act.err
	}
	return nil
}

// Insert moves the tasklet from Paused (or restored-New) into the owning
// scheduler's run queue without running it. Inserting a tasklet that is
// already scheduled or running is a no-op.
func (t *Tasklet) Insert() error {
	s := t.scheduler
	s.mu.Lock()
	switch t.state.Load() {
	case StateDead:
		s.mu.Unlock()
		return fmt.Errorf("%w: insert", ErrDeadTasklet)
	case StateBlocked:
		s.mu.Unlock()
		return fmt.Errorf("%w: insert: tasklet is blocked on a channel", ErrSchedulingViolation)
	case StateScheduled, StateRunning:
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(t, StateScheduled)
	s.runq = append(s.runq, t)
	s.mu.Unlock()
	s.signalWake()
	return nil
}

// Remove takes the tasklet out of the run queue, leaving it Paused. Removing
// the currently running tasklet is a no-op (force-interruption is the real
// path); removing a blocked tasklet fails.
func (t *Tasklet) Remove() error {
	s := t.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t.state.Load() {
	case StateDead:
		return fmt.Errorf("%w: remove", ErrDeadTasklet)
	case StateBlocked:
		return fmt.Errorf("%w: remove: tasklet is blocked on a channel", ErrSchedulingViolation)
	case StateRunning:
		return nil
	case StateScheduled:
		s.removeFromQueueLocked(t)
		s.setStateLocked(t, StatePaused)
	}
	return nil
}

// Run switches to this tasklet immediately: it is moved to the head of the
// run queue and dispatched, and the caller resumes once the scheduler comes
// back around to it. The tasklet must be alive and not blocked.
func (t *Tasklet) Run() error {
	s := t.scheduler
	if t.state.Load() == StateDead {
		return fmt.Errorf("%w: run", ErrDeadTasklet)
	}
	if err := s.checkTrap("run"); err != nil {
		return err
	}
	if t == s.Current() {
		return nil
	}
	if t.state.Load() == StateBlocked {
		return fmt.Errorf("%w: run: tasklet is blocked on a channel", ErrSchedulingViolation)
	}
	s.mu.Lock()
	s.removeFromQueueLocked(t)
	s.setStateLocked(t, StateScheduled)
	s.runq = append([]*Tasklet{t}, s.runq...)
	s.mu.Unlock()
	return s.Schedule()
}

// Kill injects the reserved cancellation signal into the tasklet,
// immediately switching to it so its stack unwinds. Killing a dead tasklet
// is a silent no-op and never trips the switch trap. Killing a tasklet that
// has not yet started never executes its callable body.
func (t *Tasklet) Kill() error {
	if t.state.Load() == StateDead {
		return nil
	}
	return t.inject(&AppError{kind: CancellationRequested}, true)
}

// Throw injects an arbitrary error into the tasklet. The error specification
// is either kind (with an optional args payload in value) or a ready-made
// [*AppError] instance in value with a nil kind; supplying both fails with
// [ErrInvalidInjection]. An explicit traceback overrides the captured one.
//
// With immediate set, the target runs now: a started target is switched to
// so the error unwinds its stack; a never-started target has no stack to
// unwind into, so the error surfaces synchronously in the caller's context
// (after the error-handler hook, if one is set). With immediate unset the
// target is marked to receive the error at its next dispatch.
func (t *Tasklet) Throw(kind *ErrorKind, value any, tb *Traceback, immediate bool) error {
	app, err := buildAppError(kind, value, tb)
	if err != nil {
		return err
	}
	if t.state.Load() == StateDead {
		if app.kind == CancellationRequested {
			return nil
		}
		return fmt.Errorf("%w: throw", ErrDeadTasklet)
	}
	return t.inject(app, immediate)
}

// RaiseException injects an error of the given kind into the tasklet,
// synchronously: the target runs until its next suspension point, where the
// error is raised. Equivalent to Throw(kind, args, nil, true).
func (t *Tasklet) RaiseException(kind *ErrorKind, args ...any) error {
	if kind == nil {
		return fmt.Errorf("%w: nil error kind", ErrInvalidInjection)
	}
	if t.state.Load() == StateDead {
		if kind == CancellationRequested {
			return nil
		}
		return fmt.Errorf("%w: raise exception", ErrDeadTasklet)
	}
	return t.inject(&AppError{kind: kind, args: args, trace: CaptureTrace(1)}, true)
}

// inject delivers an error into the target tasklet. Blocked targets are
// first detached from their channel so a cancelled receiver can never be
// matched by a late sender.
func (t *Tasklet) inject(app *AppError, immediate bool) error {
	s := t.scheduler
	cur := s.Current()
	if t == cur {
		// raising in our own context: surface directly to the caller
		return app
	}
	if immediate {
		if err := s.checkTrap("throw"); err != nil {
			return err
		}
	}
	if t.isMain {
		// The main tasklet has no dispatchable context; the error is
		// delivered at its next suspension-point call. Detaching its channel
		// waiter, if any, forces that delivery now.
		s.mu.Lock()
		t.pending = app
		s.mu.Unlock()
		if w := t.waiter.Load(); w != nil {
			w.ch.cancelWaiter(w)
		}
		s.signalWake()
		return nil
	}
	if w := t.waiter.Load(); w != nil {
		w.ch.cancelWaiter(w)
		unpin(t)
	}
	s.mu.Lock()
	started := t.ctx != nil && t.ctx.started
	if !started {
		if immediate {
			s.removeFromQueueLocked(t)
			s.mu.Unlock()
			return s.finalizeDead(t, app, true)
		}
		t.pending = app
		if t.state.Load() != StateScheduled {
			s.setStateLocked(t, StateScheduled)
			s.runq = append(s.runq, t)
		}
		s.mu.Unlock()
		s.signalWake()
		return nil
	}
	t.pending = app
	if t.state.Load() != StateScheduled {
		s.setStateLocked(t, StateScheduled)
	} else {
		s.removeFromQueueLocked(t)
	}
	if immediate {
		s.runq = append([]*Tasklet{t}, s.runq...)
	} else {
		s.runq = append(s.runq, t)
	}
	s.mu.Unlock()
	if !immediate {
		s.signalWake()
		return nil
	}
	s.logInjection(t, app)
	if cur != nil && cur.isMain {
		return s.dispatchTarget(t)
	}
	// from a worker tasklet: the target is queued at the head, so yielding
	// hands it control next
	return s.Schedule()
}
