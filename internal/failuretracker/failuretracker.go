// Package failuretracker implements peer liveness tracking: each
// server tracks when it last heard proof of life from every other
// server in the configuration and, when asked whether a peer should
// be suspected failed, compensates for its own possible isolation
// before answering. It is a direct port of failure_tracker.cc.
package failuretracker

import (
	"sync"
	"time"

	"github.com/rescrv/replicant/pkg/replicant"
)

// Tracker tracks liveness for a fixed configuration of servers. The
// zero value is not usable; use New.
type Tracker struct {
	mu       sync.Mutex
	us       replicant.ServerID
	lastSeen map[replicant.ServerID]time.Time
}

// New returns a tracker for us among servers, with every server
// (including us) marked alive as of now. A fresh tracker assumes
// everyone is healthy until proven otherwise, since treating an
// unconfirmed peer as failed at startup would cause unnecessary
// churn before the first heartbeat round completes.
func New(us replicant.ServerID, servers []replicant.ServerID, now time.Time) *Tracker {
	t := &Tracker{us: us, lastSeen: make(map[replicant.ServerID]time.Time, len(servers))}
	for _, s := range servers {
		t.lastSeen[s] = now
	}
	t.lastSeen[us] = now
	return t
}

// SetServerID changes which server id this tracker considers "us", so
// a reconfiguration that renumbers servers doesn't require discarding
// accumulated history.
func (t *Tracker) SetServerID(us replicant.ServerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.us = us
}

// ProofOfLife records that server was seen alive at now.
func (t *Tracker) ProofOfLife(server replicant.ServerID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[server] = now
}

// SuspectFailed reports whether server should be treated as failed,
// given timeout and the current time now. A server never suspects
// itself. The core idea: if this server has itself gone quiet for a
// while (e.g. it's on an isolated partition or under load), every peer
// will look stale merely because nobody reached us to report in —
// that isn't evidence peer is down. So self_suspicion, how long since
// this server has seen ANY proof of life (including its own), is
// subtracted from the peer's observed silence before comparing against
// timeout.
func (t *Tracker) SuspectFailed(server replicant.ServerID, timeout time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if server == t.us {
		return false
	}

	var maxSeen time.Time
	for _, seen := range t.lastSeen {
		if seen.After(maxSeen) {
			maxSeen = seen
		}
	}
	t.lastSeen[t.us] = maxSeen

	seen, ok := t.lastSeen[server]
	if !ok {
		return true
	}

	diff := now.Sub(seen)
	selfSuspicion := now.Sub(maxSeen)
	suspicion := diff - selfSuspicion

	return suspicion > timeout
}
