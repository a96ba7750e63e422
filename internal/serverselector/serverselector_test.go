package serverselector

import (
	"testing"

	"github.com/rescrv/replicant/pkg/replicant"
)

func drain(s *Selector) []replicant.ServerID {
	var out []replicant.ServerID
	for {
		id, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, id)
	}
	return out
}

func TestNewRotatesFromSeed(t *testing.T) {
	s := New([]replicant.ServerID{1, 2, 3, 4}, 3)
	got := drain(s)
	want := []replicant.ServerID{3, 4, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestNextExhausts(t *testing.T) {
	s := New([]replicant.ServerID{1, 2}, 0)
	s.Next()
	s.Next()
	if _, ok := s.Next(); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestEveryServerAppearsExactlyOnce(t *testing.T) {
	s := New([]replicant.ServerID{5, 1, 3, 2, 4}, 9)
	got := drain(s)
	seen := make(map[replicant.ServerID]bool)
	for _, id := range got {
		if seen[id] {
			t.Fatalf("server %d appeared twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct servers, got %d", len(seen))
	}
}
