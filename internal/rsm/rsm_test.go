package rsm

import (
	"testing"

	"github.com/rescrv/replicant/pkg/replicant"
)

type fakeHost struct {
	logs       []string
	conds      []string
	broadcasts []string
	ticks      []string
}

func (f *fakeHost) Log(text string)        { f.logs = append(f.logs, text) }
func (f *fakeHost) CondCreate(name string)  { f.conds = append(f.conds, "create:"+name) }
func (f *fakeHost) CondDestroy(name string) { f.conds = append(f.conds, "destroy:"+name) }

func (f *fakeHost) CondBroadcast(name string) (replicant.ReturnCode, error) {
	f.broadcasts = append(f.broadcasts, name)
	return replicant.SUCCESS, nil
}

func (f *fakeHost) CondBroadcastData(name string, data []byte) (replicant.ReturnCode, error) {
	f.broadcasts = append(f.broadcasts, name+":"+string(data))
	return replicant.SUCCESS, nil
}

func (f *fakeHost) CondCurrentValue(name string) (replicant.ReturnCode, uint64, []byte, error) {
	return replicant.SUCCESS, 7, []byte("value"), nil
}

func (f *fakeHost) TickInterval(funcName string, seconds uint64) {
	f.ticks = append(f.ticks, funcName)
}

func TestContextAccumulatesOutputAndStatus(t *testing.T) {
	ctx := NewContext(&fakeHost{})
	if ctx.Status() != replicant.SUCCESS {
		t.Fatalf("expected default Success status, got %v", ctx.Status())
	}

	ctx.SetOutput([]byte("result"))
	ctx.SetStatus(replicant.Internal)

	if string(ctx.Output()) != "result" {
		t.Fatalf("got output %q", ctx.Output())
	}
	if ctx.Status() != replicant.Internal {
		t.Fatalf("got status %v", ctx.Status())
	}
}

func TestContextCondCurrentValueSurfacesHostValue(t *testing.T) {
	ctx := NewContext(&fakeHost{})
	state, data, err := ctx.CondCurrentValue("c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != 7 || string(data) != "value" {
		t.Fatalf("got state=%d data=%q", state, data)
	}
}

func TestStateMachineLookupMissesReturnFalse(t *testing.T) {
	sm := &StateMachine{Transitions: []Transition{{Name: "increment"}}}
	if _, ok := sm.Lookup("decrement"); ok {
		t.Fatal("expected lookup miss")
	}
	if _, ok := sm.Lookup("increment"); !ok {
		t.Fatal("expected lookup hit")
	}
}
