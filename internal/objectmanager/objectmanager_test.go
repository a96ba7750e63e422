package objectmanager

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rescrv/replicant/internal/condition"
	"github.com/rescrv/replicant/internal/hostproto"
	"github.com/rescrv/replicant/internal/objectchild"
	"github.com/rescrv/replicant/internal/robusthistory"
	"github.com/rescrv/replicant/internal/rsm"
	"github.com/rescrv/replicant/internal/wire"
	"github.com/rescrv/replicant/pkg/replicant"
)

func TestValidPathRejectsBadCharactersAndLength(t *testing.T) {
	if !ValidPath("valid-name_1.2") {
		t.Fatal("expected valid path to be accepted")
	}
	if ValidPath("") {
		t.Fatal("expected empty path to be rejected")
	}
	if ValidPath("has a space") {
		t.Fatal("expected space to be rejected")
	}
	if ValidPath(strings.Repeat("a", pathMax)) {
		t.Fatal("expected over-length path to be rejected")
	}
}

func counterMachine() *rsm.StateMachine {
	return &rsm.StateMachine{
		Ctor: func(ctx *rsm.Context) interface{} {
			v := 0
			return &v
		},
		Rtor: func(ctx *rsm.Context, data []byte) interface{} {
			v := 0
			return &v
		},
		Snap: func(ctx *rsm.Context, obj interface{}) []byte {
			return []byte{byte(*(obj.(*int)))}
		},
		Transitions: []rsm.Transition{
			{Name: "increment", Func: func(ctx *rsm.Context, obj interface{}, data []byte) {
				p := obj.(*int)
				*p++
				ctx.SetOutput([]byte{byte(*p)})
			}},
		},
	}
}

// newTestObject wires an object directly to a running child over an
// in-memory pipe, bypassing process spawning so Apply/TakeSnapshot
// logic can be exercised without a real re-exec. The returned manager
// already knows about the object under name "counter", past its CTOR
// handshake.
func newTestObject(t *testing.T) (*Manager, string) {
	t.Helper()
	daemonSide, childSide := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- objectchild.RunChild(wire.New(childSide, nil), counterMachine())
	}()
	t.Cleanup(func() {
		daemonSide.Close()
		<-done
	})

	conn := wire.New(daemonSide, nil)
	m := New("", nil)
	obj := &object{
		proc:       &objectchild.Process{Conn: conn},
		conditions: condition.NewRegistry(),
		history:    robusthistory.New(robusthistory.DefaultMaxSize),
		ticks:      make(map[string]time.Duration),
	}
	const name = "counter"
	m.objects[name] = obj

	if err := hostproto.WriteAction(conn, hostproto.ActionCtor); err != nil {
		t.Fatalf("WriteAction(ctor): %v", err)
	}
	if _, err := m.drainUntilOutput(name, obj, conn); err != nil {
		t.Fatalf("drain ctor ack: %v", err)
	}

	return m, name
}

func TestApplyIdempotentRunsEveryTime(t *testing.T) {
	m, name := newTestObject(t)

	result, err := m.Apply(name, 1, 0, 0, 0, "increment", nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Status != replicant.SUCCESS || len(result.Output) != 1 || result.Output[0] != 1 {
		t.Fatalf("got %+v", result)
	}

	result2, err := m.Apply(name, 2, 0, 0, 0, "increment", nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result2.Output[0] != 2 {
		t.Fatalf("expected second call to observe incremented state, got %v", result2.Output)
	}
}

func TestApplyRobustReplaysRecordedResultOnDuplicateNonce(t *testing.T) {
	m, name := newTestObject(t)

	first, err := m.Apply(name, 1, replicant.Robust, 42, 0, "increment", nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// a retried call with the same nonce must not re-run the
	// transition: the counter would otherwise be 2, but the replayed
	// result must still show 1.
	second, err := m.Apply(name, 1, replicant.Robust, 42, 0, "increment", nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if second.Output[0] != first.Output[0] {
		t.Fatalf("expected replayed output %v, got %v", first.Output, second.Output)
	}
}

func TestApplyUnknownObjectReturnsObjNotFound(t *testing.T) {
	m := New("", nil)
	result, err := m.Apply("missing", 1, 0, 0, 0, "increment", nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Status != replicant.ObjNotFound {
		t.Fatalf("got %v", result.Status)
	}
}

func TestTakeSnapshotReturnsSerializedState(t *testing.T) {
	m, name := newTestObject(t)

	if _, err := m.Apply(name, 1, 0, 0, 0, "increment", nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	results, err := m.TakeSnapshot(context.Background(), []string{name})
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if len(results) != 1 || len(results[0].Snapshot) != 1 || results[0].Snapshot[0] != 1 {
		t.Fatalf("got %+v", results)
	}
}
