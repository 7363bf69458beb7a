// Package privilege provides a narrow, always-balanced helper for the
// handful of operations that need the effective uid raised to root
// (reading another user's symlinks under the update database,
// restarting a system service) while the daemon otherwise runs with
// privileges dropped.
package privilege

import (
	"fmt"
	"sync"
	"syscall"
)

// mu serializes elevation: the effective uid is process-wide state, so
// two goroutines racing to raise/drop it would stomp on each other.
var mu sync.Mutex

// Elevate raises the effective uid to root and returns a function that
// drops it back to the real uid. Callers must defer the returned
// function immediately so the drop runs on every exit path, including
// panics.
//
//	drop, err := privilege.Elevate()
//	if err != nil {
//		return err
//	}
//	defer drop()
func Elevate() (func(), error) {
	mu.Lock()
	if err := syscall.Seteuid(0); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("privilege: seteuid(0): %w", err)
	}

	dropped := false
	drop := func() {
		if dropped {
			return
		}
		dropped = true
		defer mu.Unlock()
		if err := syscall.Seteuid(syscall.Getuid()); err != nil {
			// Nothing further we can do with the error at this
			// call site; the caller has no result channel for it.
			_ = err
		}
	}
	return drop, nil
}
