package tasklet

import (
	"fmt"
	"sync"
)

// ErrorHandler is the process-wide hook invoked when a tasklet dies with an
// uncaught application error other than cancellation. It runs on the
// goroutine driving the owning scheduler, with the dying tasklet reported as
// current. Returning nil absorbs the error; returning an error (the same or
// another) propagates it out of the scheduler call that dispatched the
// tasklet.
type ErrorHandler func(err *AppError) error

var errorHandler struct {
	mu sync.Mutex
	h  ErrorHandler
}

// SetErrorHandler installs the process-wide uncaught-error hook, returning
// the previous one. A nil handler restores the default behavior: uncaught
// errors propagate out of the dispatching scheduler call.
func SetErrorHandler(h ErrorHandler) ErrorHandler {
	errorHandler.mu.Lock()
	defer errorHandler.mu.Unlock()
	prev := errorHandler.h
	errorHandler.h = h
	return prev
}

func currentErrorHandler() ErrorHandler {
	errorHandler.mu.Lock()
	defer errorHandler.mu.Unlock()
	return errorHandler.h
}

// invokeHandler runs the hook, containing panics so a faulty handler cannot
// take down the scheduler goroutine.
func invokeHandler(h ErrorHandler, app *AppError) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: error handler panicked: %v", ErrSchedulingViolation, r)
		}
	}()
	return h(app)
}

// pinned tracks started tasklets that are parked outside any run queue
// (blocked on a channel, or paused with a live stack). They would otherwise
// be unreachable from their scheduler and silently leak; [PinnedTasklets]
// exposes the set for diagnostics and [Scheduler.Close] kills the ones it
// owns.
var pinned struct {
	mu  sync.Mutex
	set map[*Tasklet]struct{}
}

func pin(t *Tasklet) {
	pinned.mu.Lock()
	if pinned.set == nil {
		pinned.set = make(map[*Tasklet]struct{})
	}
	pinned.set[t] = struct{}{}
	pinned.mu.Unlock()
}

func unpin(t *Tasklet) {
	pinned.mu.Lock()
	delete(pinned.set, t)
	pinned.mu.Unlock()
}

func pinnedTasklets() []*Tasklet {
	pinned.mu.Lock()
	defer pinned.mu.Unlock()
	out := make([]*Tasklet, 0, len(pinned.set))
	for t := range pinned.set {
		out = append(out, t)
	}
	return out
}

// PinnedTasklets returns the tasklets currently parked outside any run
// queue: blocked on a channel, or paused with a started stack. Useful for
// leak detection in tests and shutdown paths.
func PinnedTasklets() []*Tasklet {
	return pinnedTasklets()
}
