package clientmanager

import (
	"testing"
	"time"
)

func TestRegisterKeepsAscendingOrder(t *testing.T) {
	var m Manager
	now := time.Now()
	m.Register(5, now)
	m.Register(1, now)
	m.Register(3, now)

	got := m.List()
	want := []ClientID{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestDeregisterRemovesClient(t *testing.T) {
	var m Manager
	now := time.Now()
	m.Register(1, now)
	m.Register(2, now)
	m.Deregister(1)

	got := m.List()
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("got %v", got)
	}
}

func TestOwnedStandaloneOwnsEveryone(t *testing.T) {
	var m Manager
	now := time.Now()
	m.Register(1, now)
	m.Register(2, now)

	got := m.Owned(0, 1)
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
}

func TestOwnedNotPartOfChainOwnsNobody(t *testing.T) {
	var m Manager
	m.Register(1, time.Now())
	if got := m.Owned(3, 3); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestOwnedPartitionsEvenlyAcrossFullIDSpace(t *testing.T) {
	var m Manager
	now := time.Now()
	// one client near the bottom of each expected bucket, for a chain
	// of length 4.
	ids := []ClientID{0, 1 << 62, 2 << 62, 3 << 62}
	for _, id := range ids {
		m.Register(id, now)
	}

	for chainIndex := uint64(0); chainIndex < 4; chainIndex++ {
		got := m.Owned(chainIndex, 4)
		if len(got) != 1 || got[0] != ids[chainIndex] {
			t.Fatalf("chainIndex=%d got %v, want [%v]", chainIndex, got, ids[chainIndex])
		}
	}
}

func TestOwnedPartitionCoversTopOfRangeForNonDividingChainLength(t *testing.T) {
	// chainLength=3 does not evenly divide 2^64, so the increment used
	// to size each bucket overshoots the id space slightly; the top
	// bucket's upper bound must clamp to math.MaxUint64 instead of
	// wrapping around to a tiny number and orphaning the client
	// nearest the top of the range.
	var m Manager
	now := time.Now()
	m.Register(ClientID(^uint64(0)), now)

	got := m.Owned(2, 3)
	if len(got) != 1 || got[0] != ClientID(^uint64(0)) {
		t.Fatalf("chainIndex=2 chainLength=3 got %v, want [MaxUint64]", got)
	}

	// and no lower bucket should also claim it.
	if got := m.Owned(0, 3); len(got) != 0 {
		t.Fatalf("chainIndex=0 chainLength=3 got %v, want none", got)
	}
	if got := m.Owned(1, 3); len(got) != 0 {
		t.Fatalf("chainIndex=1 chainLength=3 got %v, want none", got)
	}
}

func TestLastSeenBeforeFiltersByProofOfLife(t *testing.T) {
	var m Manager
	old := time.Now().Add(-time.Hour)
	fresh := time.Now()

	m.Register(1, old)
	m.Register(2, fresh)

	got := m.LastSeenBefore(time.Now().Add(-time.Minute))
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestProofOfLifeUpdatesSingleClient(t *testing.T) {
	var m Manager
	old := time.Now().Add(-time.Hour)
	m.Register(1, old)

	now := time.Now()
	m.ProofOfLife(1, now)

	stale := m.LastSeenBefore(now.Add(-time.Minute))
	if len(stale) != 0 {
		t.Fatalf("expected client 1 refreshed, got stale=%v", stale)
	}
}
