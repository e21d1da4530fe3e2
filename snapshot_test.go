package tasklet

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var snapshotLog []string

func snapshotGreeter(tl *Tasklet, args ...any) error {
	snapshotLog = append(snapshotLog, fmt.Sprintf("greet %v", args))
	return nil
}

func snapshotTwoPhase(tl *Tasklet, args ...any) error {
	snapshotLog = append(snapshotLog, "phase1")
	if err := tl.Scheduler().ScheduleRemove(); err != nil {
		return err
	}
	snapshotLog = append(snapshotLog, "phase2")
	return nil
}

func init() {
	if err := RegisterCallable("tasklet.test.greeter", snapshotGreeter); err != nil {
		panic(err)
	}
	if err := RegisterCallable("tasklet.test.twophase", snapshotTwoPhase); err != nil {
		panic(err)
	}
}

// TestSnapshotNewRoundTrip serializes a never-started tasklet and restores it
// on a different scheduler.
func TestSnapshotNewRoundTrip(t *testing.T) {
	snapshotLog = nil
	s := New()
	defer s.Close()

	tl := s.Spawn(snapshotGreeter, "hello", 7)
	data, err := tl.Snapshot()
	require.NoError(t, err)
	require.NoError(t, tl.Kill())
	assert.Empty(t, snapshotLog, "snapshot and kill must not run the callable")

	s2 := New()
	defer s2.Close()
	restored, err := s2.Restore(data)
	require.NoError(t, err)
	assert.Same(t, s2, restored.Scheduler())
	assert.True(t, restored.Paused(), "restored tasklet must not be scheduled")
	assert.True(t, restored.Alive())

	require.NoError(t, restored.Insert())
	require.NoError(t, s2.Run())
	require.Equal(t, []string{"greet [hello 7]"}, snapshotLog)
	assert.False(t, restored.Alive())
}

// TestSnapshotPausedReruns verifies the documented restore contract: a
// restored Paused tasklet re-runs its callable from the start.
func TestSnapshotPausedReruns(t *testing.T) {
	snapshotLog = nil
	s := New()
	defer s.Close()

	tl := s.Spawn(snapshotTwoPhase)
	require.NoError(t, s.Run())
	require.True(t, tl.Paused())
	require.Equal(t, []string{"phase1"}, snapshotLog)

	data, err := tl.Snapshot()
	require.NoError(t, err)
	require.NoError(t, tl.Kill())

	restored, err := s.Restore(data)
	require.NoError(t, err)
	require.Equal(t, 1, restored.RecursionDepth(), "snapshot preserves the recorded depth")

	require.NoError(t, restored.Insert())
	require.NoError(t, s.Run())
	require.Equal(t, []string{"phase1", "phase1"}, snapshotLog, "restored callable re-runs from the start")
	require.True(t, restored.Paused())

	require.NoError(t, restored.Insert())
	require.NoError(t, s.Run())
	require.Equal(t, []string{"phase1", "phase1", "phase2"}, snapshotLog)
	assert.False(t, restored.Alive())
}

// TestSnapshotFlagsPreserved verifies the tasklet flags survive the round
// trip.
func TestSnapshotFlagsPreserved(t *testing.T) {
	s := New()
	defer s.Close()

	tl := s.Spawn(snapshotGreeter)
	tl.SetAtomic(true)
	tl.SetBlockTrap(true)
	tl.SetIgnoreNesting(true)

	data, err := tl.Snapshot()
	require.NoError(t, err)
	require.NoError(t, tl.Kill())

	restored, err := s.Restore(data)
	require.NoError(t, err)
	assert.True(t, restored.Atomic())
	assert.True(t, restored.BlockTrap())
	assert.True(t, restored.IgnoreNesting())
	require.NoError(t, restored.Kill())
}

// TestSnapshotStateRestrictions verifies only New or Paused tasklets can be
// snapshotted.
func TestSnapshotStateRestrictions(t *testing.T) {
	s := New()
	defer s.Close()

	// running
	var runningErr error
	tl := s.Spawn(func(tl *Tasklet, _ ...any) error {
		_, runningErr = tl.Snapshot()
		return nil
	})
	require.NoError(t, s.Run())
	assert.ErrorIs(t, runningErr, ErrNotSnapshottable)

	// dead
	_, err := tl.Snapshot()
	assert.ErrorIs(t, err, ErrNotSnapshottable)

	// blocked
	ch := NewChannel()
	blocked := s.Spawn(func(tl *Tasklet, _ ...any) error {
		_, err := ch.Receive(tl)
		return err
	})
	require.NoError(t, s.Run())
	_, err = blocked.Snapshot()
	assert.ErrorIs(t, err, ErrNotSnapshottable)
	require.NoError(t, blocked.Kill())
}

// TestSnapshotUnregisteredCallable verifies closures cannot be snapshotted.
func TestSnapshotUnregisteredCallable(t *testing.T) {
	s := New()
	defer s.Close()

	tl := s.Spawn(func(tl *Tasklet, _ ...any) error { return nil })
	_, err := tl.Snapshot()
	assert.ErrorIs(t, err, ErrUnregisteredCallable)
	require.NoError(t, tl.Kill())
}

// TestRestoreUnknownCallable verifies a payload naming an unregistered
// callable is rejected.
func TestRestoreUnknownCallable(t *testing.T) {
	s := New()
	defer s.Close()

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(&snapshotPayload{
		Callable: "tasklet.test.does-not-exist",
		State:    uint32(StateNew),
	}))
	_, err := s.Restore(buf.Bytes())
	assert.ErrorIs(t, err, ErrUnknownCallable)
}

// TestRestoreGarbage verifies malformed payloads fail cleanly.
func TestRestoreGarbage(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.Restore([]byte("not a gob payload"))
	assert.Error(t, err)
}
