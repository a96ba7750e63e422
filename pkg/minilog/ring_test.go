package minilog

import (
	"strings"
	"testing"
)

func TestRingDumpOldestToNewest(t *testing.T) {
	r := NewRing(3)
	r.Println("a")
	r.Println("b")
	r.Println("c")
	r.Println("d") // overwrites "a"

	lines := r.Dump()
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
	for i, want := range []string{"b", "c", "d"} {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("line %d = %q, want to contain %q", i, lines[i], want)
		}
	}
}

func TestAddRingLoggerReceivesLogOutput(t *testing.T) {
	defer DelLogger("ring-test")

	r := AddRingLogger("ring-test", 4, DEBUG)
	Info("hello %s", "world")

	lines := r.Dump()
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "hello world") {
		t.Fatalf("line = %q, want to contain %q", lines[0], "hello world")
	}
}
