package tasklet

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

var (
	schedulerIDCounter atomic.Uint64
	taskletIDCounter   atomic.Uint64

	// liveSchedulers is consulted by deadlock detection: with more than one
	// scheduler alive, a drained run queue may still be refilled by a
	// cross-scheduler channel wake.
	liveSchedulers atomic.Int32
)

// Scheduler owns one ordered run queue and dispatches its tasklets
// cooperatively, one at a time, on the goroutine that drives it. The driving
// goroutine is represented by the main tasklet; [Scheduler.Run],
// [Scheduler.RunSteps], and targeted [Tasklet.Run] must be called from it.
//
// Multiple schedulers may run on separate goroutines, coordinating only via
// shared [Channel] values.
type Scheduler struct {
	// Prevent copying
	_ [0]func()

	mu            sync.Mutex
	runq          []*Tasklet
	main          *Tasklet
	current       *Tasklet
	runnableCount int
	switchTrap    int

	// wake is signalled when a cross-scheduler event makes the run queue
	// worth re-checking. Buffered so signalling never blocks.
	wake chan struct{}

	// hardSwitch inverted so the zero value means soft switching enabled.
	hardSwitch atomic.Bool

	logger *logiface.Logger[logiface.Event]

	id     uint64
	closed sync.Once
}

// New creates a scheduler bound to the calling goroutine's call stack, which
// becomes its main tasklet.
func New(options ...SchedulerOption) *Scheduler {
	c := resolveSchedulerOptions(options)
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		logger: c.logger,
		id:     schedulerIDCounter.Add(1),
	}
	s.hardSwitch.Store(!c.softSwitch)
	main := &Tasklet{scheduler: s, isMain: true}
	main.state.Store(StateRunning)
	main.budget.Store(noBudget)
	s.main = main
	s.current = main
	s.runnableCount = 1
	liveSchedulers.Add(1)
	s.logger.Debug().
		Uint64("scheduler", s.id).
		Log("scheduler created")
	return s
}

// Spawn creates a tasklet running fn with args and inserts it at the back of
// the run queue. The callable does not begin executing until the scheduler
// dispatches it.
func (s *Scheduler) Spawn(fn Callable, args ...any) *Tasklet {
	t := &Tasklet{scheduler: s, fn: fn, args: args, id: taskletIDCounter.Add(1)}
	t.budget.Store(noBudget)
	s.mu.Lock()
	s.setStateLocked(t, StateScheduled)
	s.runq = append(s.runq, t)
	s.mu.Unlock()
	s.signalWake()
	s.logger.Debug().
		Uint64("scheduler", s.id).
		Uint64("tasklet", t.id).
		Log("tasklet spawned")
	return t
}

// Main returns the scheduler's main tasklet, representing the host call
// stack.
func (s *Scheduler) Main() *Tasklet { return s.main }

// Current returns the tasklet executing right now: the main tasklet when the
// scheduler itself holds control.
func (s *Scheduler) Current() *Tasklet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RunCount returns the number of runnable tasklets, counting the currently
// executing one. A freshly created scheduler reports 1 (the main tasklet).
func (s *Scheduler) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runnableCount
}

// SwitchTrap adjusts the switch-trap level by delta and returns the previous
// level. While the level is non-zero, any operation that would switch
// tasklets fails with [ErrSchedulingViolation] instead.
func (s *Scheduler) SwitchTrap(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.switchTrap
	s.switchTrap += delta
	return prev
}

// EnableSoftSwitch selects between soft (true, the default) and hard (false)
// watchdog interruption, returning the previous setting. See
// [Scheduler.RunSteps].
func (s *Scheduler) EnableSoftSwitch(v bool) bool {
	return !s.hardSwitch.Swap(!v)
}

// SoftSwitchEnabled reports whether soft watchdog interruption is selected.
func (s *Scheduler) SoftSwitchEnabled() bool {
	return !s.hardSwitch.Load()
}

// Atomic runs fn with the current tasklet's atomic flag set, restoring the
// previous value afterwards. While the flag is set the scheduler will not
// involuntarily interrupt the tasklet; voluntary blocking fails instead.
func (s *Scheduler) Atomic(fn func() error) error {
	cur := s.Current()
	old := cur.SetAtomic(true)
	defer cur.atomicFlag.Store(old)
	return fn()
}

// Run dispatches tasklets from the head of the run queue until it drains.
// Must be called from the scheduler's driving goroutine. An uncaught tasklet
// error that the error handler does not absorb stops the loop and is
// returned; the remaining queue is preserved.
func (s *Scheduler) Run() error {
	if s.Current() != s.main {
		return fmt.Errorf("%w: run called from a non-main tasklet", ErrSchedulingViolation)
	}
	if err := s.checkTrap("run"); err != nil {
		return err
	}
	for {
		s.mu.Lock()
		if len(s.runq) == 0 {
			s.mu.Unlock()
			return nil
		}
		t := s.popHeadLocked()
		s.mu.Unlock()
		if _, _, err := s.dispatch(t, noBudget); err != nil {
			return err
		}
	}
}

// RunSteps dispatches tasklets with an execution budget counted in
// [Tasklet.Step] checkpoint crossings. When the budget runs out the tasklet
// executing at that point is interrupted at its checkpoint, left Paused, and
// returned; a soft interrupt (the default) leaves its recursion depth at 1, a
// hard interrupt at 2. Returns (nil, nil) if the queue drained within budget.
func (s *Scheduler) RunSteps(budget int64) (*Tasklet, error) {
	if s.Current() != s.main {
		return nil, fmt.Errorf("%w: run called from a non-main tasklet", ErrSchedulingViolation)
	}
	if err := s.checkTrap("run"); err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = 1
	}
	remaining := budget
	for {
		s.mu.Lock()
		if len(s.runq) == 0 {
			s.mu.Unlock()
			return nil, nil
		}
		t := s.popHeadLocked()
		s.mu.Unlock()
		res, rem, err := s.dispatch(t, remaining)
		if err != nil {
			return nil, err
		}
		if res.kind == yieldPause && res.interrupted {
			s.logger.Debug().
				Uint64("scheduler", s.id).
				Log("watchdog interrupt")
			return t, nil
		}
		remaining = rem
		if remaining < 1 {
			remaining = 1
		}
	}
}

// Schedule yields the current tasklet to the back of the run queue and
// dispatches the next one. From the main tasklet it runs every queued
// tasklet once before returning. Any error injected into the caller while it
// waited is returned.
func (s *Scheduler) Schedule() error {
	if err := s.checkTrap("schedule"); err != nil {
		return err
	}
	cur := s.Current()
	if err := cur.takePending(); err != nil {
		return err
	}
	if cur.isMain {
		return s.rotateMain()
	}
	act := cur.ctx.suspend(yieldResult{kind: yieldSchedule})
	if act.err != nil {
		return act.err
	}
	return nil
}

// ScheduleRemove yields the current tasklet out of the run queue entirely,
// leaving it Paused until some other tasklet re-inserts it. From the main
// tasklet it dispatches queued tasklets until one of them inserts the main
// tasklet back.
func (s *Scheduler) ScheduleRemove() error {
	if err := s.checkTrap("schedule"); err != nil {
		return err
	}
	cur := s.Current()
	if err := cur.takePending(); err != nil {
		return err
	}
	if !cur.isMain {
		act := cur.ctx.suspend(yieldResult{kind: yieldPause})
		if act.err != nil {
			return act.err
		}
		return nil
	}

	s.noteState(cur, StatePaused)
	for {
		if err := cur.takePending(); err != nil {
			s.removeFromQueue(cur)
			s.noteState(cur, StateRunning)
			return err
		}
		s.mu.Lock()
		if len(s.runq) > 0 && s.runq[0] == cur {
			s.popHeadLocked()
			s.setStateLocked(cur, StateRunning)
			s.mu.Unlock()
			return cur.takePending()
		}
		if len(s.runq) == 0 {
			empty := s.runnableCount == 0
			s.mu.Unlock()
			if empty && liveSchedulers.Load() <= 1 {
				s.noteState(cur, StateRunning)
				return fmt.Errorf("%w: main tasklet removed with no runnable tasklets", ErrDeadlock)
			}
			<-s.wake
			continue
		}
		t := s.popHeadLocked()
		s.mu.Unlock()
		if _, _, err := s.dispatch(t, noBudget); err != nil {
			s.noteState(cur, StateRunning)
			s.removeFromQueue(cur)
			return err
		}
	}
}

// rotateMain is Schedule from the main tasklet: queue it at the back and
// dispatch until it reaches the head again.
func (s *Scheduler) rotateMain() error {
	main := s.main
	s.mu.Lock()
	s.setStateLocked(main, StateScheduled)
	s.runq = append(s.runq, main)
	s.mu.Unlock()
	for {
		s.mu.Lock()
		if len(s.runq) == 0 {
			// cannot happen while main is queued; restore defensively
			s.setStateLocked(main, StateRunning)
			s.mu.Unlock()
			return nil
		}
		t := s.popHeadLocked()
		if t == main {
			s.setStateLocked(main, StateRunning)
			s.mu.Unlock()
			return main.takePending()
		}
		s.mu.Unlock()
		if _, _, err := s.dispatch(t, noBudget); err != nil {
			s.removeFromQueue(main)
			s.noteState(main, StateRunning)
			return err
		}
	}
}

// runWhileBlocked drives the run queue while the main tasklet is parked on a
// channel, until the waiter is matched or the queue deadlocks.
func (s *Scheduler) runWhileBlocked(w *waiter) error {
	main := s.main
	for {
		select {
		case <-w.done:
			if w.cancelled {
				s.noteState(main, StateRunning)
				if err := main.takePending(); err != nil {
					return err
				}
				return fmt.Errorf("%w: channel wait cancelled", ErrDeadlock)
			}
			// wakeLocked already restored the Running state
			return nil
		default:
		}
		s.mu.Lock()
		if len(s.runq) == 0 {
			empty := s.runnableCount == 0
			s.mu.Unlock()
			if empty && liveSchedulers.Load() <= 1 {
				w.ch.cancelWaiter(w)
				s.noteState(main, StateRunning)
				return fmt.Errorf("%w: channel wait with no runnable counterpart", ErrDeadlock)
			}
			select {
			case <-w.done:
			case <-s.wake:
			}
			continue
		}
		t := s.popHeadLocked()
		s.mu.Unlock()
		if _, _, err := s.dispatch(t, noBudget); err != nil {
			w.ch.cancelWaiter(w)
			s.noteState(main, StateRunning)
			return err
		}
	}
}

// dispatch hands control to t until it suspends again, delivering any
// pending injected error at the handoff. Returns the yield outcome, the
// unconsumed step budget, and any uncaught error that survived the handler
// hook.
func (s *Scheduler) dispatch(t *Tasklet, budget int64) (yieldResult, int64, error) {
	s.mu.Lock()
	if t.state.Load() == StateDead {
		s.mu.Unlock()
		return yieldResult{kind: yieldDead}, budget, nil
	}
	pending := t.pending
	t.pending = nil
	if t.ctx == nil {
		if pending != nil {
			// never started: deliver without running the callable body
			s.mu.Unlock()
			return yieldResult{kind: yieldDead}, budget, s.finalizeDead(t, pending, false)
		}
		t.ctx = newExecutionContext()
		t.ctx.start(t)
	}
	prev := s.current
	s.current = t
	s.setStateLocked(t, StateRunning)
	s.mu.Unlock()
	unpin(t)

	t.budget.Store(budget)
	res := t.ctx.dispatch(resumeAction{err: pending})
	rem := t.budget.Swap(noBudget)

	s.mu.Lock()
	s.current = prev
	switch res.kind {
	case yieldSchedule:
		s.setStateLocked(t, StateScheduled)
		s.runq = append(s.runq, t)
		s.mu.Unlock()
	case yieldPause:
		s.setStateLocked(t, StatePaused)
		s.mu.Unlock()
		pin(t)
	case yieldBlock:
		// the channel already parked it under noteState
		s.mu.Unlock()
	case yieldDead:
		s.mu.Unlock()
		return res, rem, s.finalizeDead(t, asDispatchError(res.err), false)
	}
	return res, rem, nil
}

// dispatchTarget runs one specific tasklet now, for immediate error
// injection from the main tasklet.
func (s *Scheduler) dispatchTarget(t *Tasklet) error {
	s.removeFromQueue(t)
	_, _, err := s.dispatch(t, noBudget)
	return err
}

// finalizeDead retires a tasklet, runs the handler hook for uncaught
// non-cancellation errors, and reports whatever the hook does not absorb.
// With callerContext set the current tasklet is left pointing at the caller
// while the hook runs (early injection into a never-started tasklet).
func (s *Scheduler) finalizeDead(t *Tasklet, app *AppError, callerContext bool) error {
	s.mu.Lock()
	s.removeFromQueueLocked(t)
	s.setStateLocked(t, StateDead)
	t.ctx = nil
	t.pending = nil
	s.mu.Unlock()
	t.recursionDepth.Store(0)
	unpin(t)
	s.signalWake()
	if app == nil {
		return nil
	}
	if app.kind == CancellationRequested {
		s.logger.Debug().
			Uint64("scheduler", s.id).
			Log("tasklet cancelled")
		return nil
	}
	s.logger.Debug().
		Uint64("scheduler", s.id).
		Str("kind", app.kind.name).
		Log("uncaught tasklet error")
	h := currentErrorHandler()
	if h == nil {
		return app
	}
	if !callerContext {
		s.mu.Lock()
		prev := s.current
		s.current = t
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.current = prev
			s.mu.Unlock()
		}()
	}
	return invokeHandler(h, app)
}

// Close kills every tasklet still owned by the scheduler (queued, paused, or
// blocked) and releases it. Must be called from the driving goroutine.
func (s *Scheduler) Close() error {
	var err error
	s.closed.Do(func() {
		for {
			t := s.nextOwnedTasklet()
			if t == nil {
				break
			}
			if e := t.Kill(); e != nil && err == nil {
				err = e
			}
		}
		liveSchedulers.Add(-1)
		s.logger.Debug().
			Uint64("scheduler", s.id).
			Log("scheduler closed")
	})
	return err
}

// nextOwnedTasklet returns some alive non-main tasklet still owned by the
// scheduler, or nil.
func (s *Scheduler) nextOwnedTasklet() *Tasklet {
	s.mu.Lock()
	for _, t := range s.runq {
		if !t.isMain && t.state.Load() != StateDead {
			s.mu.Unlock()
			return t
		}
	}
	s.mu.Unlock()
	for _, t := range pinnedTasklets() {
		if t.scheduler == s && t.state.Load() != StateDead {
			return t
		}
	}
	return nil
}

func (s *Scheduler) checkTrap(op string) error {
	s.mu.Lock()
	trapped := s.switchTrap != 0
	s.mu.Unlock()
	if trapped {
		return fmt.Errorf("%w: %s while the switch trap is set", ErrSchedulingViolation, op)
	}
	return nil
}

// setStateLocked transitions a tasklet's state, maintaining the runnable
// count. Caller holds s.mu.
func (s *Scheduler) setStateLocked(t *Tasklet, st TaskletState) {
	old := t.state.Load()
	if old == st {
		return
	}
	if runnable(old) {
		s.runnableCount--
	}
	if runnable(st) {
		s.runnableCount++
	}
	t.state.Store(st)
}

// noteState is setStateLocked with its own locking, for callers outside the
// scheduler (the channel layer).
func (s *Scheduler) noteState(t *Tasklet, st TaskletState) {
	s.mu.Lock()
	s.setStateLocked(t, st)
	s.mu.Unlock()
}

func (s *Scheduler) popHeadLocked() *Tasklet {
	t := s.runq[0]
	s.runq = s.runq[1:]
	return t
}

func (s *Scheduler) removeFromQueueLocked(t *Tasklet) {
	for i, o := range s.runq {
		if o == t {
			s.runq = append(s.runq[:i], s.runq[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) removeFromQueue(t *Tasklet) {
	s.mu.Lock()
	s.removeFromQueueLocked(t)
	s.mu.Unlock()
}

// signalWake nudges a driving goroutine parked in a drained-queue wait.
// Never blocks.
func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) logInjection(t *Tasklet, app *AppError) {
	s.logger.Debug().
		Uint64("scheduler", s.id).
		Uint64("tasklet", t.id).
		Str("kind", app.kind.name).
		Log("error injected")
}

// asDispatchError normalizes a dead tasklet's outcome: nil stays nil,
// anything else becomes an AppError.
func asDispatchError(err error) *AppError {
	if err == nil {
		return nil
	}
	return asAppError(err)
}
