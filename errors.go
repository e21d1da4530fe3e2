package tasklet

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard errors.
var (
	// ErrSchedulingViolation is returned when an operation would cause a
	// scheduler switch or block while a switch trap or block trap forbids it.
	ErrSchedulingViolation = errors.New("tasklet: scheduling violation")

	// ErrDeadlock is returned when the last runnable tasklet on a scheduler
	// attempts to block on a channel with no possible waker.
	ErrDeadlock = errors.New("tasklet: deadlock")

	// ErrDeadTasklet is returned when a mutating operation targets a dead
	// tasklet. Cancellation signals are exempt: killing a dead tasklet is a
	// no-op.
	ErrDeadTasklet = errors.New("tasklet: tasklet is dead")

	// ErrInvalidInjection is returned when Throw or RaiseException is called
	// with a malformed error specification, e.g. an error instance plus
	// separate arguments simultaneously.
	ErrInvalidInjection = errors.New("tasklet: invalid error injection")

	// ErrNotSnapshottable is returned when Snapshot is called on a tasklet
	// that is not in the New or Paused state.
	ErrNotSnapshottable = errors.New("tasklet: only a new or paused tasklet can be snapshotted")

	// ErrUnregisteredCallable is returned when Snapshot cannot resolve the
	// tasklet's callable to a name registered via RegisterCallable.
	ErrUnregisteredCallable = errors.New("tasklet: callable is not registered")

	// ErrUnknownCallable is returned when Restore encounters a callable name
	// with no RegisterCallable entry in this process.
	ErrUnknownCallable = errors.New("tasklet: unknown callable in snapshot")
)

// CancellationRequested is the reserved cancellation kind injected by
// [Tasklet.Kill]. A tasklet that lets it propagate (or never catches it)
// terminates silently: the error-handler hook is not invoked and nothing
// propagates out of the dispatching run call.
var CancellationRequested = NewKind("CancellationRequested")

// ErrorKind identifies a class of application error, comparable by identity.
// It implements error so that [errors.Is] can match an [AppError] against its
// kind directly.
type ErrorKind struct {
	name string
}

// NewKind creates a new error kind with the given display name.
func NewKind(name string) *ErrorKind {
	return &ErrorKind{name: name}
}

// Name returns the kind's display name.
func (k *ErrorKind) Name() string { return k.name }

// Error implements the error interface.
func (k *ErrorKind) Error() string { return k.name }

// New creates an [AppError] of this kind with the given argument payload,
// capturing a traceback at the call site.
func (k *ErrorKind) New(args ...any) *AppError {
	return &AppError{kind: k, args: args, trace: CaptureTrace(1)}
}

// AppError is an application error raised by user callables or injected into
// a tasklet, carrying kind + argument payload + traceback chain. It is the
// tagged error variant delivered across channel rendezvous by
// [Channel.SendException] and [Channel.SendThrow].
type AppError struct {
	kind  *ErrorKind
	args  []any
	trace *Traceback
}

// Kind returns the error's kind.
func (e *AppError) Kind() *ErrorKind { return e.kind }

// Args returns the argument payload the error was raised with.
func (e *AppError) Args() []any { return e.args }

// Traceback returns the stack-frame chain captured at the raise site, or nil.
func (e *AppError) Traceback() *Traceback { return e.trace }

// Error implements the error interface.
func (e *AppError) Error() string {
	if len(e.args) == 0 {
		return e.kind.name
	}
	return fmt.Sprintf("%s: %v", e.kind.name, e.args)
}

// Is matches this error against its kind, or against another AppError of the
// same kind, enabling errors.Is(err, SomeKind).
func (e *AppError) Is(target error) bool {
	if k, ok := target.(*ErrorKind); ok {
		return e.kind == k
	}
	if o, ok := target.(*AppError); ok {
		return e.kind == o.kind
	}
	return false
}

// Unwrap returns the error's kind, for cause-chain matching.
func (e *AppError) Unwrap() error { return e.kind }

// withTrace returns a copy of the error carrying the given traceback; a nil
// traceback leaves the original trace in place.
func (e *AppError) withTrace(tb *Traceback) *AppError {
	if tb == nil {
		return e
	}
	return &AppError{kind: e.kind, args: e.args, trace: tb}
}

// Frame is one entry of a Traceback.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Traceback is a stack-frame chain captured at a raise site. It survives
// channel rendezvous intact: the receiver of an exception-carrying send
// observes the sender's frames.
type Traceback struct {
	Frames []Frame
}

// CaptureTrace captures the caller's stack as a Traceback, skipping the given
// number of frames above the caller. Frames are ordered outermost first, so
// the deepest frame (the raise site) is last.
func CaptureTrace(skip int) *Traceback {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return &Traceback{}
	}
	frames := runtime.CallersFrames(pcs[:n])
	var out []Frame
	for {
		f, more := frames.Next()
		out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	// runtime.Callers reports innermost first; flip to outermost first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return &Traceback{Frames: out}
}

// String formats the traceback, one frame per line, deepest frame last.
func (t *Traceback) String() string {
	if t == nil || len(t.Frames) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range t.Frames {
		fmt.Fprintf(&b, "  %s\n    %s:%d\n", f.Function, f.File, f.Line)
	}
	return b.String()
}

// buildAppError validates and assembles an injected error from the Throw
// argument forms: kind alone, kind plus args payload, or a ready-made
// *AppError instance (in which case kind must be nil). An explicit traceback
// replaces the captured one.
func buildAppError(kind *ErrorKind, value any, tb *Traceback) (*AppError, error) {
	if inst, ok := value.(*AppError); ok {
		if kind != nil {
			return nil, fmt.Errorf("%w: error instance with separate kind", ErrInvalidInjection)
		}
		return inst.withTrace(tb), nil
	}
	if kind == nil {
		return nil, fmt.Errorf("%w: no error kind or instance", ErrInvalidInjection)
	}
	var args []any
	switch v := value.(type) {
	case nil:
	case []any:
		args = v
	default:
		args = []any{v}
	}
	err := &AppError{kind: kind, args: args, trace: tb}
	if err.trace == nil {
		err.trace = CaptureTrace(2)
	}
	return err, nil
}

// asAppError coerces an arbitrary callable error into the AppError model so
// the handler hook and channel payloads stay uniform.
func asAppError(err error) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	if k, ok := err.(*ErrorKind); ok {
		return &AppError{kind: k}
	}
	return &AppError{kind: applicationErrorKind, args: []any{err.Error()}, trace: CaptureTrace(2)}
}

// applicationErrorKind wraps plain Go errors returned by callables.
var applicationErrorKind = NewKind("ApplicationError")

// panicErrorKind wraps panics recovered from callables.
var panicErrorKind = NewKind("PanicError")
