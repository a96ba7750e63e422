// Package pendingrobust implements the envelope a client keeps for an
// in-flight robust call so that, on retry or failover to a different
// server, it resends the identical (nonce, min_slot) pair rather than
// minting a new nonce. Minting a new nonce on retry would defeat the
// dedup ledger entirely, since the server would see an unrelated call
// instead of a replay. Grounded on pending_robust.cc.
package pendingrobust

import (
	"time"

	"github.com/rescrv/replicant/internal/serverselector"
	"github.com/rescrv/replicant/pkg/replicant"
)

// Pending tracks one in-flight robust call across retries.
type Pending struct {
	Object       string
	Func         string
	Input        []byte
	CommandNonce uint64
	MinSlot      uint64

	selector *serverselector.Selector
	started  time.Time
}

// New begins tracking a robust call. nonce and minSlot are chosen once
// by the caller and never change for the lifetime of this Pending,
// even across retries and server failover.
func New(object, funcName string, input []byte, nonce, minSlot uint64, servers []replicant.ServerID, now time.Time) *Pending {
	return &Pending{
		Object:       object,
		Func:         funcName,
		Input:        input,
		CommandNonce: nonce,
		MinSlot:      minSlot,
		selector:     serverselector.New(servers, nonce),
		started:      now,
	}
}

// SetParams overwrites the (nonce, min_slot) pair this Pending resends
// on every retry. Used only when a client library user explicitly
// re-issues a call under a fresh nonce (e.g. after deciding an earlier
// attempt is abandoned); ordinary retries must never call this.
func (p *Pending) SetParams(nonce, minSlot uint64) {
	p.CommandNonce = nonce
	p.MinSlot = minSlot
}

// NextServer returns the next server to try, or false once every
// server known when this Pending was created has been tried.
func (p *Pending) NextServer() (replicant.ServerID, bool) {
	return p.selector.Next()
}

// Elapsed reports how long this call has been pending as of now.
func (p *Pending) Elapsed(now time.Time) time.Duration {
	return now.Sub(p.started)
}
