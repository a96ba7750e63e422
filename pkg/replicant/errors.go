package replicant

import "errors"

// Error taxonomy (spec §7). Components compare with errors.Is; the
// daemon wraps these with context via github.com/pkg/errors where a
// failure needs to carry the path/object/nonce that produced it.
var (
	// ErrPermanent marks a child-interface fault (short I/O, protocol
	// corruption): the object is abort-killed and escalated to its
	// re-spawn path. Never returned to a client directly.
	ErrPermanent = errors.New("replicant: permanent child-interface error")

	// ErrInvariant marks a daemon-internal invariant violation; the
	// operation that raised it is aborted and ReturnCode Internal is
	// surfaced to the caller.
	ErrInvariant = errors.New("replicant: internal invariant violation")

	// ErrCorruptFrame marks an Object Host Protocol framing violation
	// (§4.2 corruption rules): declared size too small, or inner
	// lengths that don't sum to the declared size.
	ErrCorruptFrame = errors.New("replicant: corrupt host protocol frame")
)
