package tasklet

import (
	"fmt"
	"reflect"
	"sync"
)

// callableRegistry maps stable names to Callable values so snapshots can
// reference a tasklet's entry function symbolically. Both directions are
// kept: name to function for Restore, function pointer to name for Snapshot.
var callableRegistry struct {
	mu     sync.RWMutex
	byName map[string]Callable
	byPtr  map[uintptr]string
}

// RegisterCallable associates a stable name with a callable for use by
// [Tasklet.Snapshot] and [Scheduler.Restore]. Registration is typically done
// from init functions so both the snapshotting and the restoring process
// agree on the mapping. Registering a name twice replaces the previous
// entry; the callable must be a top-level function, not a closure, for its
// identity to be stable across processes.
func RegisterCallable(name string, fn Callable) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: empty name or nil callable", ErrInvalidInjection)
	}
	ptr := reflect.ValueOf(fn).Pointer()
	callableRegistry.mu.Lock()
	defer callableRegistry.mu.Unlock()
	if callableRegistry.byName == nil {
		callableRegistry.byName = make(map[string]Callable)
		callableRegistry.byPtr = make(map[uintptr]string)
	}
	callableRegistry.byName[name] = fn
	callableRegistry.byPtr[ptr] = name
	return nil
}

// callableName resolves a callable back to its registered name.
func callableName(fn Callable) (string, bool) {
	if fn == nil {
		return "", false
	}
	ptr := reflect.ValueOf(fn).Pointer()
	callableRegistry.mu.RLock()
	defer callableRegistry.mu.RUnlock()
	name, ok := callableRegistry.byPtr[ptr]
	return name, ok
}

// callableByName resolves a registered name to its callable.
func callableByName(name string) (Callable, bool) {
	callableRegistry.mu.RLock()
	defer callableRegistry.mu.RUnlock()
	fn, ok := callableRegistry.byName[name]
	return fn, ok
}
