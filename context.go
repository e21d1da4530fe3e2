package tasklet

// This file implements the ExecutionContext abstraction: the opaque
// suspend/resume capability a Tasklet owns. Rather than manipulating native
// call stacks, each started tasklet runs on a dedicated goroutine and control
// is handed off explicitly over a rendezvous pair — dispatch on the scheduler
// side, suspend on the tasklet side. Exactly one side is ever running.

// resumeAction is passed from the scheduler to the tasklet when control is
// handed to it. A non-nil err is an injected error to be delivered as the
// result of the suspension-point call the tasklet is parked in.
type resumeAction struct {
	err *AppError
}

// yieldKind identifies why a tasklet handed control back to the scheduler.
type yieldKind uint8

const (
	// yieldSchedule: voluntary yield; requeue at the back of the run queue.
	yieldSchedule yieldKind = iota
	// yieldPause: leave the tasklet Paused (ScheduleRemove or watchdog).
	yieldPause
	// yieldBlock: the tasklet parked itself on a channel.
	yieldBlock
	// yieldDead: the callable completed or an injected error unwound it.
	yieldDead
)

// yieldResult is passed from the tasklet to the scheduler when it suspends.
type yieldResult struct {
	err         error
	kind        yieldKind
	interrupted bool // yieldPause caused by the watchdog, not ScheduleRemove
}

// executionContext is the rendezvous pair tying a tasklet goroutine to its
// scheduler. It is created lazily at first dispatch and discarded on death;
// a Tasklet's context is non-nil exactly while the tasklet is alive and
// started.
type executionContext struct {
	resume  chan resumeAction
	yield   chan yieldResult
	started bool
}

func newExecutionContext() *executionContext {
	return &executionContext{
		resume: make(chan resumeAction),
		yield:  make(chan yieldResult),
	}
}

// start launches the tasklet goroutine. Called once, under the owning
// scheduler's mutex, immediately before the first dispatch.
func (c *executionContext) start(t *Tasklet) {
	c.started = true
	go t.mainLoop()
}

// dispatch hands control to the tasklet and blocks until it suspends again.
// Scheduler side only.
func (c *executionContext) dispatch(act resumeAction) yieldResult {
	c.resume <- act
	return <-c.yield
}

// suspend hands control back to the scheduler and blocks until redispatched.
// Tasklet side only.
func (c *executionContext) suspend(res yieldResult) resumeAction {
	c.yield <- res
	return <-c.resume
}
