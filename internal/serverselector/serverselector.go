// Package serverselector implements a client's server-rotation
// strategy: given the current server list for a cluster, pick a
// deterministic-but-jittered starting point and then hand out the
// remaining servers one at a time, so a client retrying a call doesn't
// hammer the same server every attempt but also doesn't scatter
// attempts randomly enough to defeat locality. Grounded on
// server_selector.cc.
package serverselector

import (
	"sort"

	"github.com/rescrv/replicant/pkg/replicant"
)

// Selector hands out servers from a fixed snapshot of the cluster, in
// rotation starting from a jittered offset. It is not safe for
// concurrent use; callers create one per call attempt sequence.
type Selector struct {
	servers []replicant.ServerID
	next    int
}

// New builds a selector over servers, sorted ascending, starting its
// rotation at the first server whose id is >= seed (wrapping to the
// smallest id when there is none). seed
// should vary per call (e.g. derived from the call's nonce) so
// concurrent clients fan out across the cluster instead of piling onto
// whichever server happens to sort first.
func New(servers []replicant.ServerID, seed uint64) *Selector {
	sorted := append([]replicant.ServerID(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	start := sort.Search(len(sorted), func(i int) bool {
		return uint64(sorted[i]) >= seed
	})

	rotated := make([]replicant.ServerID, len(sorted))
	for i := range sorted {
		rotated[i] = sorted[(start+i)%len(sorted)]
	}
	return &Selector{servers: rotated}
}

// Next returns the next server to try and true, or false once every
// server in the snapshot has been handed out once.
func (s *Selector) Next() (replicant.ServerID, bool) {
	if s.next >= len(s.servers) {
		return 0, false
	}
	id := s.servers[s.next]
	s.next++
	return id, true
}

// Remaining reports how many servers have not yet been handed out.
func (s *Selector) Remaining() int {
	return len(s.servers) - s.next
}
