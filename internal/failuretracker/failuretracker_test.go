package failuretracker

import (
	"testing"
	"time"

	"github.com/rescrv/replicant/pkg/replicant"
)

func TestNeverSuspectSelf(t *testing.T) {
	now := time.Now()
	ft := New(1, []replicant.ServerID{1, 2, 3}, now)
	if ft.SuspectFailed(1, time.Second, now.Add(time.Hour)) {
		t.Fatal("should never suspect self")
	}
}

func TestUnknownServerIsSuspected(t *testing.T) {
	now := time.Now()
	ft := New(1, []replicant.ServerID{1, 2}, now)
	if !ft.SuspectFailed(99, time.Second, now) {
		t.Fatal("expected unknown server to be suspected")
	}
}

func TestStaleServerIsSuspectedWhenWeAreHealthy(t *testing.T) {
	now := time.Now()
	ft := New(1, []replicant.ServerID{1, 2, 3}, now)

	ft.ProofOfLife(1, now.Add(10*time.Second))
	ft.ProofOfLife(3, now.Add(10*time.Second))
	// server 2 never heard from again.

	later := now.Add(time.Minute)
	if !ft.SuspectFailed(2, 5*time.Second, later) {
		t.Fatal("expected server 2 to be suspected")
	}
}

func TestSelfSuspicionSuppressesFalsePositive(t *testing.T) {
	now := time.Now()
	ft := New(1, []replicant.ServerID{1, 2, 3}, now)

	// nobody, including us, has reported in since `now`: we may be
	// isolated, so silence from server 2 is not conclusive evidence
	// it failed.
	later := now.Add(time.Minute)
	if ft.SuspectFailed(2, 5*time.Second, later) {
		t.Fatal("should not suspect a peer when we are equally isolated")
	}
}
