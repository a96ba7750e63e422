// Package robusthistory implements the per-object dedup ledger that
// lets a daemon answer "did nonce N already execute, and with what
// result" without re-running a robust call. It is a close port of the
// original robust_history ledger: a slot-ordered
// list of executed calls plus a nonce set for O(1) membership tests,
// bounded in size with oldest-first garbage collection.
package robusthistory

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/rescrv/replicant/pkg/replicant"
)

// Entry records one executed robust call.
type Entry struct {
	Slot   uint64
	Nonce  uint64
	Status replicant.ReturnCode
	Output []byte
}

// Verdict is the answer HasOutput gives for a nonce.
type Verdict int

const (
	// NotFound means the nonce definitely never executed: it is safe
	// to run the call now.
	NotFound Verdict = iota
	// Found means the nonce executed; Status/Output are its recorded
	// result and should be replayed verbatim instead of re-running
	// the call.
	Found
	// Maybe means garbage collection may have evicted the record: the
	// nonce might have executed with min_slot older than anything we
	// still remember. The caller cannot safely retry and must
	// surface replicant.MAYBE.
	Maybe
)

// DefaultMaxSize bounds how many entries a History keeps before
// evicting the oldest (REPLICANT_SERVER_DRIVEN_NONCE_HISTORY in the
// original ledger).
const DefaultMaxSize = 1 << 14

// History is one object's dedup ledger. The zero value is not usable;
// use New.
type History struct {
	mu           sync.Mutex
	entries      []Entry // ascending by Slot
	lookup       map[uint64]struct{}
	inhibitGC    int
	maxSize      int
	evictedTotal uint64

	// group collapses concurrent HasOutput calls for the same nonce
	// into one lock acquisition: a robust call's retries can arrive
	// from several server connections nearly simultaneously after a
	// client fails over, and they all ask the identical question.
	group singleflight.Group
}

type hasOutputResult struct {
	verdict Verdict
	status  replicant.ReturnCode
	output  []byte
}

// New returns an empty ledger bounded at maxSize entries.
func New(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &History{lookup: make(map[uint64]struct{}), maxSize: maxSize}
}

// HasOutput answers whether nonce already executed. minSlot is the
// caller's guarantee that nothing before it could possibly still be
// pending (a client never sends a call with a nonce older than its own
// min_slot): if the ledger's oldest remembered slot is newer than
// minSlot, a GC may have evicted the real answer and Maybe is returned
// instead of a false NotFound.
func (h *History) HasOutput(nonce, minSlot uint64) (Verdict, replicant.ReturnCode, []byte) {
	key := fmt.Sprintf("%d:%d", nonce, minSlot)
	v, _, _ := h.group.Do(key, func() (interface{}, error) {
		return h.hasOutputLocked(nonce, minSlot), nil
	})
	r := v.(hasOutputResult)
	return r.verdict, r.status, r.output
}

func (h *History) hasOutputLocked(nonce, minSlot uint64) hasOutputResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, known := h.lookup[nonce]

	if len(h.entries) > 0 && minSlot < h.entries[0].Slot && !known {
		return hasOutputResult{verdict: Maybe}
	}
	if !known {
		return hasOutputResult{verdict: NotFound}
	}
	for _, e := range h.entries {
		if e.Nonce == nonce {
			return hasOutputResult{verdict: Found, status: e.Status, output: e.Output}
		}
	}
	// lookup and entries disagree; treat as not found rather than
	// panic, since a false NotFound only costs a redundant re-run,
	// never an inconsistent result (the caller still applies the
	// command with this same nonce, which will insert it here).
	return hasOutputResult{verdict: NotFound}
}

// Executed records that nonce finished at slot with the given result.
// Entries are kept sorted ascending by slot; a second Executed call
// for a slot already present is a no-op rather than a duplicate
// insert, since the per-slot command stream guarantees at most one
// execution record per slot.
func (h *History) Executed(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].Slot >= e.Slot
	})
	if i < len(h.entries) && h.entries[i].Slot == e.Slot {
		return
	}

	h.entries = append(h.entries, Entry{})
	copy(h.entries[i+1:], h.entries[i:])
	h.entries[i] = e
	h.lookup[e.Nonce] = struct{}{}

	if h.inhibitGC == 0 {
		h.cleanupLocked()
	}
}

// CopyUpTo replaces other's contents with every entry whose slot is
// strictly less than slot. It is how a new replica installs history
// alongside a restored snapshot taken at that slot.
func (h *History) CopyUpTo(other *History, slot uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	other.mu.Lock()
	defer other.mu.Unlock()

	other.entries = other.entries[:0]
	other.lookup = make(map[uint64]struct{})
	for _, e := range h.entries {
		if e.Slot < slot {
			other.entries = append(other.entries, e)
			other.lookup[e.Nonce] = struct{}{}
		}
	}
}

// InhibitGC suspends eviction; paired AllowGC calls resume it and run
// one cleanup pass immediately. Nesting is reference counted so two
// concurrent long-running readers don't re-enable GC out from under
// each other.
func (h *History) InhibitGC() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inhibitGC++
}

// AllowGC resumes eviction, running a cleanup pass once the last
// inhibitor releases.
func (h *History) AllowGC() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inhibitGC > 0 {
		h.inhibitGC--
	}
	if h.inhibitGC == 0 {
		h.cleanupLocked()
	}
}

func (h *History) cleanupLocked() {
	for len(h.entries) > h.maxSize {
		delete(h.lookup, h.entries[0].Nonce)
		h.entries = h.entries[1:]
		h.evictedTotal++
	}
}

// EvictedTotal returns the cumulative number of entries this ledger
// has evicted via cleanup since it was created, including evictions
// from the cleanup pass Unmarshal runs; Unmarshal does not reset the
// count. Callers poll this to
// feed a monotonic eviction counter rather than being notified
// per-eviction, since cleanup runs inline with Executed under the
// same lock and has no room for a blocking callback.
func (h *History) EvictedTotal() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evictedTotal
}

// Len returns the number of entries currently retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// MinSlot returns the oldest slot still remembered, or 0 if empty.
func (h *History) MinSlot() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return 0
	}
	return h.entries[0].Slot
}

// Marshal serializes the ledger for a snapshot: a u32-BE entry count
// followed by each entry's slot/nonce/status/output, matching the
// wire layout in §4.5/§6 (slot: u64 | nonce: u64 | status: u16 |
// output: length-prefixed bytes).
func (h *History) Marshal() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, 4, 4+len(h.entries)*30)
	binary.BigEndian.PutUint32(buf, uint32(len(h.entries)))

	for _, e := range h.entries {
		var fixed [22]byte
		binary.BigEndian.PutUint64(fixed[0:8], e.Slot)
		binary.BigEndian.PutUint64(fixed[8:16], e.Nonce)
		binary.BigEndian.PutUint16(fixed[16:18], uint16(e.Status))
		binary.BigEndian.PutUint32(fixed[18:22], uint32(len(e.Output)))
		buf = append(buf, fixed[:22]...)
		buf = append(buf, e.Output...)
	}
	return buf
}

// Unmarshal replaces the ledger's contents from a buffer produced by
// Marshal, then rebuilds the nonce lookup set and runs a cleanup pass
// — both steps the original serialization reader skipped, leaving a
// restored replica answering HasOutput queries against a stale or
// oversized ledger until its next Executed call repaired it.
func (h *History) Unmarshal(buf []byte) error {
	if len(buf) < 4 {
		return errors.Wrap(replicant.ErrCorruptFrame, "robust history: truncated count")
	}
	count := binary.BigEndian.Uint32(buf)
	buf = buf[4:]

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 22 {
			return errors.Wrap(replicant.ErrCorruptFrame, "robust history: truncated entry header")
		}
		slot := binary.BigEndian.Uint64(buf[0:8])
		nonce := binary.BigEndian.Uint64(buf[8:16])
		status := replicant.ReturnCode(binary.BigEndian.Uint16(buf[16:18]))
		outLen := binary.BigEndian.Uint32(buf[18:22])
		buf = buf[22:]

		if uint64(len(buf)) < uint64(outLen) {
			return errors.Wrap(replicant.ErrCorruptFrame, "robust history: truncated entry output")
		}
		output := append([]byte(nil), buf[:outLen]...)
		buf = buf[outLen:]

		entries = append(entries, Entry{Slot: slot, Nonce: nonce, Status: status, Output: output})
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = entries
	h.lookup = make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		h.lookup[e.Nonce] = struct{}{}
	}
	h.cleanupLocked()
	return nil
}
