package pendingrobust

import (
	"testing"
	"time"

	"github.com/rescrv/replicant/pkg/replicant"
)

func TestSetParamsOverridesNonceAndMinSlot(t *testing.T) {
	now := time.Now()
	p := New("obj", "increment", []byte("in"), 1, 2, []replicant.ServerID{1, 2}, now)

	p.SetParams(99, 100)
	if p.CommandNonce != 99 || p.MinSlot != 100 {
		t.Fatalf("got nonce=%d minSlot=%d", p.CommandNonce, p.MinSlot)
	}
}

func TestNextServerRotatesAndExhausts(t *testing.T) {
	now := time.Now()
	p := New("obj", "increment", nil, 1, 0, []replicant.ServerID{1, 2, 3}, now)

	var seen []replicant.ServerID
	for {
		id, ok := p.NextServer()
		if !ok {
			break
		}
		seen = append(seen, id)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 servers, got %v", seen)
	}
}

func TestElapsedReflectsClock(t *testing.T) {
	start := time.Now()
	p := New("obj", "increment", nil, 1, 0, []replicant.ServerID{1}, start)

	if got := p.Elapsed(start.Add(5 * time.Second)); got != 5*time.Second {
		t.Fatalf("got %v", got)
	}
}
