// Package procwatch answers "is this object child's process actually
// still alive and not wedged" by sampling /proc directly, the same way
// a crash-recovery pass reconciles on-disk VM state against live PIDs.
// The object manager uses it to decide whether a child that has gone
// quiet on its socket is merely slow or has actually died.
package procwatch

import (
	"fmt"

	"github.com/c9s/goprocinfo/linux"
)

// State summarizes one sampled process.
type State struct {
	PID   int
	Comm  string
	State string // one of R, S, D, Z, T, ... per proc(5)
}

// Alive reports whether pid exists and is not a zombie. A zombie
// process still holds its pid but its socket end is already a
// half-closed nothing, so the daemon must not wait on it to produce
// any more frames.
func Alive(pid int) (bool, error) {
	s, err := Sample(pid)
	if err != nil {
		return false, err
	}
	return s.State != "Z", nil
}

// Sample reads /proc/<pid>/stat for a point-in-time snapshot of the
// process's scheduling state.
func Sample(pid int) (State, error) {
	stat, err := linux.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return State{}, err
	}
	return State{PID: stat.Pid, Comm: stat.Comm, State: stat.State}, nil
}
