// Package tasklet provides a cooperative multitasking runtime for Go:
// lightweight execution units ("tasklets") scheduled on one logical run queue
// per [Scheduler], synchronized through rendezvous channels rather than
// shared-memory locks.
//
// # Architecture
//
// A [Scheduler] owns an ordered run queue and dispatches one tasklet at a
// time on the goroutine that drives it (the "main" tasklet, representing the
// host call stack). Each started tasklet runs its callable on a dedicated
// goroutine, but control is handed off explicitly over a rendezvous pair, so
// concurrency within one scheduler is strictly cooperative: exactly one
// tasklet (or the main tasklet) executes at any instant.
//
// [Channel] is the only synchronization primitive. A channel pairs exactly
// one sender with one receiver per transfer, waking parked parties in FIFO
// order. Its signed [Channel.Balance] simultaneously reports queue length and
// queue kind: positive means that many senders are parked awaiting receivers,
// negative means that many receivers are parked awaiting senders.
//
// Channels may be shared between schedulers running on separate goroutines
// (or OS threads); parallelism only ever arises from multiple independent
// scheduler instances coordinating via channels.
//
// # Suspension points
//
// A running tasklet suspends at: a channel send/receive with no ready match,
// [Scheduler.Schedule] / [Scheduler.ScheduleRemove], and a watchdog interrupt
// at a [Tasklet.Step] checkpoint — nowhere else. Injected errors
// ([Tasklet.Kill], [Tasklet.Throw], [Tasklet.RaiseException]) are delivered
// as the error result of the target's suspension-point call.
//
// # Watchdog budget
//
// [Scheduler.RunSteps] dispatches with an execution budget. The budget is
// counted in checkpoint crossings: each [Tasklet.Step] call consumes one
// step, and once the budget is exhausted the running tasklet is interrupted
// at that checkpoint, left Paused, and returned as the call's result. With
// soft switching enabled (the default) the interrupt preserves a recursion
// depth of 1; with it disabled the interrupt takes the hard path (depth 2)
// and only applies to tasklets that opted in via [Tasklet.SetIgnoreNesting],
// otherwise it is declined and the tasklet keeps running.
//
// # Snapshots
//
// A tasklet in the New or Paused state can be serialized with
// [Tasklet.Snapshot] and later restored with [Scheduler.Restore], including
// across processes, provided its callable was registered via
// [RegisterCallable]. The restored tasklet is not inserted into any run
// queue; the caller must [Tasklet.Insert] it.
//
// # Error types
//
// Runtime failures are sentinel errors suitable for [errors.Is]:
//   - [ErrSchedulingViolation]: an operation would switch or block while a
//     switch trap or block trap forbids it
//   - [ErrDeadlock]: the last runnable tasklet attempted to block
//   - [ErrDeadTasklet]: a mutating operation targeted a dead tasklet
//   - [ErrInvalidInjection]: malformed Throw/RaiseException specification
//
// Application errors are [AppError] values carrying an [ErrorKind], argument
// payload, and a [Traceback] chain; the reserved kind
// [CancellationRequested] terminates a tasklet silently.
package tasklet
