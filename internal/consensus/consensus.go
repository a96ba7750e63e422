// Package consensus defines the daemon's one seam onto the
// log-ordering layer it treats as an external collaborator: something
// outside this core agrees, across every replica, on the strictly
// increasing slot each object's next command is assigned. This core
// never reorders what that layer hands it — it expects a stream of
// (slot, command_bytes) pairs in strict ascending slot order per
// object.
//
// Sequencer is the interface a real consensus integration implements.
// Local is a single-replica stand-in used by cmd/replicantd when no
// external ordering layer is configured, so the daemon is runnable
// without standing up a cluster; it is not a
// substitute for actual distributed agreement and must never be used
// across more than one replica.
package consensus

import "sync"

// Sequencer assigns the next strictly-increasing slot a command
// against name may be recorded at. Implementations must never hand
// out a slot out of order for the same object.
type Sequencer interface {
	NextSlot(object string) uint64
}

// Local sequences slots per object in-process. It satisfies Sequencer
// trivially for a single, non-replicated daemon instance.
type Local struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewLocal returns a ready-to-use single-replica sequencer.
func NewLocal() *Local {
	return &Local{next: make(map[string]uint64)}
}

// NextSlot returns the next slot for object, starting at 1 (0 is
// reserved so a zero-value slot is visibly "never assigned").
func (l *Local) NextSlot(object string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next[object]++
	return l.next[object]
}
