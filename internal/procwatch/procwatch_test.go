package procwatch

import (
	"os"
	"testing"
)

func TestAliveOnOwnProcess(t *testing.T) {
	alive, err := Alive(os.Getpid())
	if err != nil {
		t.Fatalf("Alive: %v", err)
	}
	if !alive {
		t.Fatal("expected own process to be alive")
	}
}

func TestSampleReportsOwnPID(t *testing.T) {
	s, err := Sample(os.Getpid())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.PID != os.Getpid() {
		t.Fatalf("got pid %d, want %d", s.PID, os.Getpid())
	}
}
