package tasklet

import (
	"errors"
	"strings"
	"testing"
)

var tracedKind = NewKind("Traced")

// raiseFromHelper exists so its name can be asserted in captured tracebacks.
func raiseFromHelper() *AppError {
	return tracedKind.New("payload")
}

// TestErrorKindMatching verifies errors.Is matching by kind identity.
func TestErrorKindMatching(t *testing.T) {
	a := NewKind("A")
	b := NewKind("A") // same name, distinct identity

	err := a.New(1, 2)
	if !errors.Is(err, a) {
		t.Error("AppError should match its own kind")
	}
	if errors.Is(err, b) {
		t.Error("kinds compare by identity, not name")
	}
	if !errors.Is(err, a.New()) {
		t.Error("two errors of the same kind should match")
	}
	if a.Name() != "A" || a.Error() != "A" {
		t.Errorf("Name/Error = %q/%q, want A/A", a.Name(), a.Error())
	}
	if got := errors.Unwrap(err); got != a {
		t.Errorf("Unwrap = %v, want the kind", got)
	}
}

// TestAppErrorFormatting verifies the rendered error strings.
func TestAppErrorFormatting(t *testing.T) {
	k := NewKind("ValueError")
	if got := k.New().Error(); got != "ValueError" {
		t.Errorf("no-args Error = %q, want ValueError", got)
	}
	if got := k.New("x", 3).Error(); got != "ValueError: [x 3]" {
		t.Errorf("Error = %q, want ValueError: [x 3]", got)
	}
}

// TestTracebackCapture verifies the raise site is the deepest recorded frame.
func TestTracebackCapture(t *testing.T) {
	err := raiseFromHelper()
	tb := err.Traceback()
	if tb == nil || len(tb.Frames) == 0 {
		t.Fatal("New should capture a traceback")
	}
	deepest := tb.Frames[len(tb.Frames)-1]
	if !strings.Contains(deepest.Function, "raiseFromHelper") {
		t.Errorf("deepest frame = %s, want the raise site raiseFromHelper", deepest.Function)
	}
	if deepest.Line <= 0 || deepest.File == "" {
		t.Errorf("frame should carry file and line, got %s:%d", deepest.File, deepest.Line)
	}
	rendered := tb.String()
	if !strings.Contains(rendered, "raiseFromHelper") || !strings.Contains(rendered, "errors_test.go") {
		t.Errorf("rendered traceback missing raise site:\n%s", rendered)
	}
}

// TestTracebackAcrossRendezvous verifies an exception-carrying send delivers
// the sender's frames to the receiver.
func TestTracebackAcrossRendezvous(t *testing.T) {
	s := New()
	defer s.Close()
	ch := NewChannel()

	var got error
	s.Spawn(func(tl *Tasklet, _ ...any) error {
		_, err := ch.Receive(tl)
		got = err
		return nil
	})
	if err := s.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := ch.SendThrow(s.Main(), nil, raiseFromHelper(), nil); err != nil {
		t.Fatalf("SendThrow failed: %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var app *AppError
	if !errors.As(got, &app) {
		t.Fatalf("received %T, want *AppError", got)
	}
	if !strings.Contains(app.Traceback().String(), "raiseFromHelper") {
		t.Errorf("receiver should observe the sender's frames:\n%s", app.Traceback().String())
	}
}

// TestPlainErrorCoercion verifies plain Go errors returned by callables
// surface as application errors.
func TestPlainErrorCoercion(t *testing.T) {
	s := New()
	defer s.Close()

	s.Spawn(func(tl *Tasklet, _ ...any) error {
		return errors.New("plain failure")
	})
	err := s.Run()
	var app *AppError
	if !errors.As(err, &app) {
		t.Fatalf("Run = %T %v, want *AppError", err, err)
	}
	if app.Kind() != applicationErrorKind {
		t.Errorf("kind = %v, want ApplicationError", app.Kind())
	}
	if len(app.Args()) != 1 || app.Args()[0] != "plain failure" {
		t.Errorf("args = %v, want [plain failure]", app.Args())
	}
}

// TestExplicitTracebackOverride verifies a supplied traceback replaces the
// captured one on injection.
func TestExplicitTracebackOverride(t *testing.T) {
	s := New()
	defer s.Close()
	kind := NewKind("Overridden")
	tb := &Traceback{Frames: []Frame{{Function: "synthetic.frame", File: "synthetic.go", Line: 1}}}

	var got error
	tl := s.Spawn(func(tl *Tasklet, _ ...any) error {
		for got == nil {
			got = s.Schedule()
		}
		return nil
	})
	if err := s.Schedule(); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := tl.Throw(kind, nil, tb, true); err != nil {
		t.Fatalf("Throw failed: %v", err)
	}
	var app *AppError
	if !errors.As(got, &app) {
		t.Fatalf("delivered %T, want *AppError", got)
	}
	if len(app.Traceback().Frames) != 1 || app.Traceback().Frames[0].Function != "synthetic.frame" {
		t.Errorf("traceback = %v, want the synthetic frame", app.Traceback().Frames)
	}
}
