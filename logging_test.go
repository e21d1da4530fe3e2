package tasklet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// TestSchedulerLogging verifies lifecycle events reach an attached logger as
// structured JSON.
func TestSchedulerLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(&buf),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()

	s := New(WithLogger(logger))
	defer s.Close()

	tl := s.Spawn(func(tl *Tasklet, _ ...any) error {
		for {
			if err := s.Schedule(); err != nil {
				return err
			}
		}
	})
	if err := s.Schedule(); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := tl.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		`"msg":"scheduler created"`,
		`"msg":"tasklet spawned"`,
		`"msg":"error injected"`,
		`"msg":"tasklet cancelled"`,
		`"scheduler":`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}

// TestSchedulerNilLogger verifies a scheduler without a logger works and logs
// nothing.
func TestSchedulerNilLogger(t *testing.T) {
	s := New(WithLogger(nil), nil)
	defer s.Close()
	s.Spawn(func(tl *Tasklet, _ ...any) error { return nil })
	if err := s.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}
